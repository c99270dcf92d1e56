package membership

// HealthReporter is optionally implemented by a Membership to expose a
// local health score. Lower is healthier; -1 means not running.
type HealthReporter interface {
    HealthScore() int
}
