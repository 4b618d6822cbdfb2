package credits

const (
	operationBalance  = "balance"
	operationPurchase = "purchase"
	operationUsage    = "usage"

	operationStatusOK        = "ok"
	operationStatusError     = "error"
	operationStatusDuplicate = "duplicate"

	defaultHistoryLimit = 50
)
