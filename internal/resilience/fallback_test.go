package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

// newChatGroup builds a modelscope → deepseek → groq group over provider names.
func newChatGroup(maxFailures int) *FallbackGroup[string] {
	fg := NewFallbackGroup("modelscope", "modelscope", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: maxFailures, ResetTimeout: time.Hour},
	})
	fg.AddFallback("deepseek", "deepseek")
	fg.AddFallback("groq", "groq")
	return fg
}

func TestExecuteWithResult(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		failing   []string
		failWith  error
		wantReply string
		wantTried []string
		wantErr   error
	}{
		{
			name:      "primary answers",
			wantReply: "reply from modelscope",
			wantTried: []string{"modelscope"},
		},
		{
			name:      "primary down",
			failing:   []string{"modelscope"},
			failWith:  errTest,
			wantReply: "reply from deepseek",
			wantTried: []string{"modelscope", "deepseek"},
		},
		{
			name:      "only the last member works",
			failing:   []string{"modelscope", "deepseek"},
			failWith:  errTest,
			wantReply: "reply from groq",
			wantTried: []string{"modelscope", "deepseek", "groq"},
		},
		{
			name:      "every member down",
			failing:   []string{"modelscope", "deepseek", "groq"},
			failWith:  errTest,
			wantTried: []string{"modelscope", "deepseek", "groq"},
			wantErr:   ErrAllFailed,
		},
		{
			name:      "visitor stopped the reply",
			failing:   []string{"modelscope"},
			failWith:  context.Canceled,
			wantTried: []string{"modelscope"},
			wantErr:   context.Canceled,
		},
		{
			name:      "turn deadline passed",
			failing:   []string{"modelscope"},
			failWith:  context.DeadlineExceeded,
			wantTried: []string{"modelscope"},
			wantErr:   context.DeadlineExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var tried []string
			reply, err := ExecuteWithResult(newChatGroup(3), func(name string) (string, error) {
				tried = append(tried, name)
				if slices.Contains(tt.failing, name) {
					return "", tt.failWith
				}
				return "reply from " + name, nil
			})

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if reply != tt.wantReply {
				t.Errorf("reply = %q, want %q", reply, tt.wantReply)
			}
			if !slices.Equal(tried, tt.wantTried) {
				t.Errorf("tried = %v, want %v", tried, tt.wantTried)
			}
		})
	}
}

func TestExecuteWithResult_AllFailedWrapsLastError(t *testing.T) {
	t.Parallel()

	last := errors.New("groq: 503")
	_, err := ExecuteWithResult(newChatGroup(3), func(name string) (int, error) {
		if name == "groq" {
			return 0, last
		}
		return 0, errTest
	})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, last) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping the last failure", err)
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()

	fg := newChatGroup(2)
	primaryDown := func(name string) (string, error) {
		if name == "modelscope" {
			return "", errTest
		}
		return name, nil
	}
	for range 2 {
		if _, err := ExecuteWithResult(fg, primaryDown); err != nil {
			t.Fatalf("failover call: %v", err)
		}
	}

	var tried []string
	got, err := ExecuteWithResult(fg, func(name string) (string, error) {
		tried = append(tried, name)
		return name, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "deepseek" || !slices.Equal(tried, []string{"deepseek"}) {
		t.Errorf("got %q after trying %v, want deepseek only", got, tried)
	}
}

func TestFallbackGroup_NamesAndAvailable(t *testing.T) {
	t.Parallel()

	fg := newChatGroup(1)
	if got := fg.Names(); !slices.Equal(got, []string{"modelscope", "deepseek", "groq"}) {
		t.Fatalf("Names() = %v", got)
	}
	if !fg.Available() {
		t.Fatal("fresh group should be available")
	}

	_, _ = ExecuteWithResult(fg, func(string) (struct{}, error) { return struct{}{}, errTest })
	if fg.Available() {
		t.Error("group with every breaker open should not be available")
	}
}
