package worker

// Outcome is the deterministic classification of one delivery attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryable
	OutcomeNonRetryable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	default:
		return "non-retryable"
	}
}

// ClassifyStatus maps an HTTP response code to an outcome. 2xx succeeds;
// 4xx is a client error and will not be retried except for 408 (request
// timeout), 425 (too early) and 429 (rate limited); everything else,
// including all 5xx, is retryable.
func ClassifyStatus(code int) Outcome {
	switch {
	case code >= 200 && code < 300:
		return OutcomeSuccess
	case code == 408 || code == 425 || code == 429:
		return OutcomeRetryable
	case code >= 400 && code < 500:
		return OutcomeNonRetryable
	default:
		return OutcomeRetryable
	}
}
