package worker

import "testing"

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code int
		want Outcome
	}{
		{200, OutcomeSuccess},
		{201, OutcomeSuccess},
		{204, OutcomeSuccess},
		{299, OutcomeSuccess},
		{301, OutcomeRetryable},
		{400, OutcomeNonRetryable},
		{401, OutcomeNonRetryable},
		{404, OutcomeNonRetryable},
		{408, OutcomeRetryable},
		{410, OutcomeNonRetryable},
		{422, OutcomeNonRetryable},
		{425, OutcomeRetryable},
		{429, OutcomeRetryable},
		{500, OutcomeRetryable},
		{502, OutcomeRetryable},
		{503, OutcomeRetryable},
	}
	for _, tt := range tests {
		if got := ClassifyStatus(tt.code); got != tt.want {
			t.Errorf("ClassifyStatus(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
