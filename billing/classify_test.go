package billing

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_Examples(t *testing.T) {
	tests := []struct {
		name   string
		dueDay int
		grace  int
		ref    Date
		want   Status
	}{
		{"day 10 on billing start", 10, 3, NewDate(2026, 1, 1), StatusOwed},
		{"day 10 after late date", 10, 3, NewDate(2026, 1, 14), StatusDelinquent},
		{"day 10 on late date", 10, 3, NewDate(2026, 1, 13), StatusDelinquent},
		{"day 10 day before late date", 10, 3, NewDate(2026, 1, 12), StatusOwed},
		{"day 25 before billing start", 25, 3, NewDate(2026, 1, 10), StatusPending},
		{"day 25 on billing start", 25, 3, NewDate(2026, 1, 15), StatusOwed},
		{"day 15 before billing start", 15, 3, NewDate(2026, 1, 4), StatusPending},
		{"day 15 on billing start", 15, 3, NewDate(2026, 1, 5), StatusOwed},
		{"previous month", 15, 3, NewDate(2025, 12, 31), StatusPending},
		{"next month", 10, 3, NewDate(2026, 2, 1), StatusDelinquent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Classify(2026, time.January, tt.dueDay, tt.grace, tt.ref)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassify_ZeroGraceIsDelinquentOnDueDate(t *testing.T) {
	got, err := Classify(2026, time.March, 15, 0, NewDate(2026, 3, 15))
	require.NoError(t, err)
	assert.Equal(t, StatusDelinquent, got)

	got, err = Classify(2026, time.March, 15, 0, NewDate(2026, 3, 14))
	require.NoError(t, err)
	assert.Equal(t, StatusOwed, got)
}

func TestClassify_GraceCrossesMonthEnd(t *testing.T) {
	// Due 25 Feb + 5 days lands in March.
	s, err := NewSchedule(YearMonth{Year: 2026, Month: time.February}, 25, 5)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02", s.LateDate.String())
	assert.Equal(t, StatusOwed, s.Classify(NewDate(2026, 3, 1)))
	assert.Equal(t, StatusDelinquent, s.Classify(NewDate(2026, 3, 2)))
}

// For fixed inputs the status never moves backward as the reference
// date advances.
func TestClassify_Monotonic(t *testing.T) {
	rank := map[Status]int{StatusPending: 0, StatusOwed: 1, StatusDelinquent: 2}

	for _, d := range DueDays {
		for _, grace := range []int{0, 1, 3, 10, 40} {
			prev := -1
			for ref := NewDate(2025, 12, 1); ref.Before(NewDate(2026, 6, 1)); ref = ref.AddDays(1) {
				st, err := Classify(2026, time.February, int(d), grace, ref)
				require.NoError(t, err)
				r := rank[st]
				if r < prev {
					t.Fatalf("due day %d grace %d: status went backward at %s (%s)", d, grace, ref, st)
				}
				prev = r
			}
			assert.Equal(t, rank[StatusDelinquent], prev, "due day %d grace %d should end delinquent", d, grace)
		}
	}
}

func TestClassify_RejectsInvalidInput(t *testing.T) {
	ref := NewDate(2026, 1, 1)

	_, err := Classify(2026, time.January, 20, 3, ref)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "due_day", ve.Field)
	assert.True(t, IsClientError(err))

	_, err = Classify(2026, time.January, 10, -1, ref)
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "grace_days", ve.Field)

	_, err = Classify(2026, 13, 10, 3, ref)
	assert.True(t, IsClientError(err))
}

func TestNormalizeLegacyDueDay(t *testing.T) {
	tests := map[int]DueDay{
		1:  DueDay10,
		10: DueDay10,
		12: DueDay10,
		13: DueDay15,
		15: DueDay15,
		20: DueDay15, // tie with 25 goes to the earlier day
		21: DueDay25,
		31: DueDay25,
		0:  DueDay15,
		-4: DueDay15,
		45: DueDay15,
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeLegacyDueDay(in), "legacy day %d", in)
	}
}

func TestParseYearMonth(t *testing.T) {
	ym, err := ParseYearMonth("2026-02")
	require.NoError(t, err)
	assert.Equal(t, YearMonth{Year: 2026, Month: time.February}, ym)
	assert.Equal(t, "2026-02", ym.String())

	for _, bad := range []string{"", "2026-2", "2026/02", "2026-13", "abcd-01", "2026-00"} {
		_, err := ParseYearMonth(bad)
		assert.True(t, IsClientError(err), "%q should be rejected", bad)
	}
}

func TestYearMonth_AddMonths(t *testing.T) {
	ym := YearMonth{Year: 2026, Month: time.January}
	assert.Equal(t, "2025-12", ym.AddMonths(-1).String())
	assert.Equal(t, "2025-02", ym.AddMonths(-11).String())
	assert.Equal(t, "2027-01", ym.AddMonths(12).String())
	assert.True(t, ym.AddMonths(-1).Before(ym))
}
