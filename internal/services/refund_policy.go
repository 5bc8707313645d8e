package services

// Cancellation refund tiers, in hours before the scheduled start
const (
	FullRefundHours = 24.0
	HalfRefundHours = 2.0
)

// CalculateRefund returns the refundable part of a paid amount (minor units).
// More than 24h ahead refunds everything, more than 2h refunds half (rounded
// down to the minor unit), anything later, including a session already under
// way, refunds nothing.
func CalculateRefund(amount int64, hoursUntilStart float64) int64 {
	if amount <= 0 {
		return 0
	}
	switch {
	case hoursUntilStart > FullRefundHours:
		return amount
	case hoursUntilStart > HalfRefundHours:
		return amount / 2
	default:
		return 0
	}
}
