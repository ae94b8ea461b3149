package crawllog

// Outcome codes written in field0
const (
	CodeGetReviewPage     = "GetReviewPage"
	CodeRequestFailed     = "RequestFailed"
	CodeNonexistentPage   = "NonexistentPage"
	CodeGetReview         = "GetReview"
	CodeRequestsGetFailed = "RequestsGetFailed"
	CodeNoInfoLeft        = "NoInfoLeft"
	CodeIDMismatch        = "IDMismatch"
	CodeNotFound          = "404"
	CodeSuccessfulAttempt = "SuccessfulAttempt"
	CodeUnsuccessful      = "UnSuccessfulAttempt"
	CodeRobotsDisallowed  = "RobotsDisallowed"
	CodeStatusPrefix      = "StatusCode:"
)
