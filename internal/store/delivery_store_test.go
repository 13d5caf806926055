package store

import (
	"strings"
	"testing"

	"github.com/hookrelay/hookrelay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	in := deliveryCursor{TimestampMs: 1700000000123, EndpointID: "ep1", DeliveryID: "1700000000123-abc"}
	out, err := decodeCursor(encodeCursor(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeCursor_Empty(t *testing.T) {
	c, err := decodeCursor("")
	require.NoError(t, err)
	assert.Equal(t, deliveryCursor{}, c)
}

func TestDecodeCursor_Malformed(t *testing.T) {
	for _, bad := range []string{"!!!", "bm90anNvbg"} {
		_, err := decodeCursor(bad)
		assert.True(t, domain.IsValidation(err), "cursor %q should fail validation", bad)
	}
}

func TestBuildFilterSQL_Empty(t *testing.T) {
	conds, args, idx := buildFilterSQL(domain.DeliveryFilter{}, 1)
	// Archived records are excluded by default.
	require.Equal(t, []string{"archived = false"}, conds)
	assert.Empty(t, args)
	assert.Equal(t, 1, idx)
}

func TestBuildFilterSQL_AllPredicates(t *testing.T) {
	min, max := 10, 500
	hasErr := true
	f := domain.DeliveryFilter{
		Statuses:           []domain.DeliveryStatus{domain.StatusFailed, domain.StatusRetrying},
		TimeRange:          &domain.TimeRange{FromMs: 100, ToMs: 200},
		ResponseCodes:      []int{404, 500},
		ResponseCodeRanges: []domain.CodeRange{{From: 500, To: 599}},
		Duration:           &domain.IntRange{Min: &min, Max: &max},
		Attempts:           &domain.IntRange{Min: &min},
		HasError:           &hasErr,
		Search:             "abc",
	}

	conds, args, idx := buildFilterSQL(f, 3)
	joined := strings.Join(conds, " AND ")

	assert.Contains(t, joined, "status = ANY($3)")
	assert.Contains(t, joined, "timestamp_ms >= $4")
	assert.Contains(t, joined, "timestamp_ms <= $5")
	assert.Contains(t, joined, "response_status = ANY($6)")
	assert.Contains(t, joined, "response_status BETWEEN $7 AND $8")
	assert.Contains(t, joined, "duration_ms >= $9")
	assert.Contains(t, joined, "duration_ms <= $10")
	assert.Contains(t, joined, "attempt >= $11")
	assert.Contains(t, joined, "error <> ''")
	assert.Contains(t, joined, "ILIKE $12")
	assert.Contains(t, joined, "archived = false")

	// Placeholder count matches bound args; search binds once.
	assert.Len(t, args, 10)
	assert.Equal(t, 13, idx)
	assert.Equal(t, "%abc%", args[len(args)-1])
}

func TestBuildFilterSQL_CodeRangesAreDisjunctive(t *testing.T) {
	f := domain.DeliveryFilter{
		ResponseCodes:      []int{429},
		ResponseCodeRanges: []domain.CodeRange{{From: 500, To: 599}},
	}
	conds, _, _ := buildFilterSQL(f, 1)
	joined := strings.Join(conds, " AND ")
	assert.Contains(t, joined, "(response_status = ANY($1) OR response_status BETWEEN $2 AND $3)")
}

func TestFilterValidate(t *testing.T) {
	bad := domain.DeliveryFilter{ResponseCodeRanges: []domain.CodeRange{{From: 600, To: 500}}}
	assert.True(t, domain.IsValidation(bad.Validate()))

	inverted := domain.DeliveryFilter{TimeRange: &domain.TimeRange{FromMs: 2, ToMs: 1}}
	assert.True(t, domain.IsValidation(inverted.Validate()))
}
