package metrics

import "time"

// RedemptionObserved records one redemption attempt.
func RedemptionObserved(outcome string, duration time.Duration) {
	RedemptionsTotal.WithLabelValues(outcome).Inc()
	RedemptionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// AdmissionDecided records an admission check for kind "campaign" or "code".
func AdmissionDecided(kind, result string) {
	AdmissionDecisionsTotal.WithLabelValues(kind, result).Inc()
}

// CampaignDeleted records a cascade delete of one campaign and n codes.
func CampaignDeleted(codes int) {
	CampaignsDeleted.Inc()
	CodesDeleted.Add(float64(codes))
}
