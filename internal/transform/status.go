package transform

const (
	// DefaultTargetStatus is used for unknown inbound status codes.
	DefaultTargetStatus = "new"
	// DefaultSourceStatus is used for unknown outbound statuses.
	DefaultSourceStatus = "N"
)

var sourceToTargetStatus = map[string]string{
	"N":  "new",
	"UN": "unrealized",
	"AP": "confirmed",
	"PD": "paid",
	"CO": "assembled",
	"RD": "ready_delivery",
	"RP": "ready_pickup",
	"DE": "in_transit",
	"DF": "shipped",
	"F":  "completed",
	"RF": "refunded",
	"CF": "unpaid",
	"ER": "payment_error",
	"TR": "problematic",
	"RO": "reassemble",
	"DN": "waiting_processing",
	"WA": "waiting_approval",
	"GP": "waiting_group_buy",
	"AN": "auction",
	"CA": "decide",
	// Kaspi
	"KA": "kaspi_waiting_qr",
	"KB": "kaspi_qr_scanned",
	"KC": "kaspi_paid",
	"KD": "kaspi_payment_error",
	// CloudPayments
	"AU": "cloudpay_authorized",
	"CP": "cloudpay_confirmed",
	"AR": "cloudpay_canceled",
	"RR": "cloudpay_refunded",
}

var targetToSourceStatus = invertStatuses(sourceToTargetStatus)

func invertStatuses(table map[string]string) map[string]string {
	inverted := make(map[string]string, len(table))
	for code, status := range table {
		inverted[status] = code
	}
	return inverted
}

// TargetStatus maps a Source status code. Unknown codes map to
// DefaultTargetStatus and report false.
func TargetStatus(code string) (string, bool) {
	status, ok := sourceToTargetStatus[code]
	if !ok {
		return DefaultTargetStatus, false
	}
	return status, true
}

// SourceStatus maps a Target status. Unknown statuses map to
// DefaultSourceStatus and report false.
func SourceStatus(status string) (string, bool) {
	code, ok := targetToSourceStatus[status]
	if !ok {
		return DefaultSourceStatus, false
	}
	return code, true
}

// KnownTargetStatus reports whether status belongs to the Target vocabulary.
func KnownTargetStatus(status string) bool {
	_, ok := targetToSourceStatus[status]
	return ok
}
