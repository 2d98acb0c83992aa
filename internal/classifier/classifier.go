// Package classifier implements the optional AI gate applied to keyword
// matches.
package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"leadradar/internal/metrics"
	"leadradar/internal/model"
)

// Verdict is the classifier's answer.
type Verdict struct {
	// Token is the normalised first word of the answer.
	Token string
	// Raw is the answer as returned.
	Raw string
}

// Classifier answers whether text satisfies prompt.
type Classifier interface {
	Classify(ctx context.Context, prompt, text string) (Verdict, error)
}

// Result is the outcome of a gate check.
type Result struct {
	Passed  bool
	Verdict string
}

// Gate applies a rule group's classifier settings to a match.
type Gate struct {
	clf     Classifier
	timeout time.Duration
	metrics *metrics.Metrics
	log     *slog.Logger
}

// NewGate creates a Gate. clf may be nil when no classifier is configured,
// in which case every group passes.
func NewGate(clf Classifier, timeout time.Duration, m *metrics.Metrics, log *slog.Logger) *Gate {
	return &Gate{clf: clf, timeout: timeout, metrics: m, log: log}
}

// Check runs the classifier for groups that request it. Classifier errors
// pass the match and record the error as the verdict.
func (g *Gate) Check(ctx context.Context, group model.RuleGroup, text string) Result {
	prompt := strings.TrimSpace(group.ClassifierPrompt)
	if !group.UseClassifier || prompt == "" {
		return Result{Passed: true}
	}
	if g.clf == nil {
		g.log.Warn("classifier requested but not configured", "rule_group_id", group.ID)
		return Result{Passed: true}
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	v, err := g.clf.Classify(ctx, prompt, text)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		g.metrics.Classifier("error", elapsed)
		g.log.Warn("classifier failed, passing match", "rule_group_id", group.ID, "error", err)
		return Result{Passed: true, Verdict: "classifier error: " + err.Error()}
	}

	passed := Affirmative(v.Raw)
	if passed {
		g.metrics.Classifier("pass", elapsed)
	} else {
		g.metrics.Classifier("reject", elapsed)
	}
	return Result{Passed: passed, Verdict: v.Raw}
}

var affirmative = []string{"yes", "true", "да", "1"}

// Affirmative reports whether a classifier answer means yes: it starts with
// an affirmative token or contains one as a separate word.
func Affirmative(answer string) bool {
	a := strings.ToLower(strings.TrimSpace(answer))
	if a == "" {
		return false
	}
	for _, tok := range affirmative {
		if tok == "1" {
			continue
		}
		if strings.HasPrefix(a, tok) {
			return true
		}
	}
	for _, w := range strings.FieldsFunc(a, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		for _, tok := range affirmative {
			if w == tok {
				return true
			}
		}
	}
	return false
}

func firstWord(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func userMessage(text string) string {
	return fmt.Sprintf("Message: %q", text)
}
