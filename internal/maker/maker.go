// Package maker implements the candidate/vote engine: parallel
// generation over a temperature grid and quorum voting over labelled
// candidates. The engine treats candidates as opaque strings.
package maker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"makerd/internal/agent"
	"makerd/internal/logging"
)

const (
	baseTemperature = 0.3
	temperatureStep = 0.1
	voteTemperature = 0.1
)

// Engine fans work out to the coder and voter agents.
type Engine struct {
	caller agent.Caller
}

// NewEngine creates a MAKER engine over the agent client.
func NewEngine(caller agent.Caller) *Engine {
	return &Engine{caller: caller}
}

// GenerateCandidates fans out n coder invocations across the
// temperature grid and collects the non-error results in grid order.
func (e *Engine) GenerateCandidates(ctx context.Context, system, user string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	timer := logging.StartTimer(logging.CategoryMaker, "generate_candidates")
	defer timer.Stop()

	results := make([]string, n)
	errs := make([]error, n)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			out, err := e.caller.Complete(gctx, agent.RoleCoder, agent.Request{
				System:      system,
				User:        user,
				Temperature: baseTemperature + temperatureStep*float64(i),
			})
			results[i] = out
			errs[i] = err
			return nil
		})
	}
	g.Wait()

	var candidates []string
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			logging.Get(logging.CategoryMaker).Warn("candidate %d failed: %v", i, errs[i])
			continue
		}
		if results[i] == "" || agent.IsErrorChunk(results[i]) {
			continue
		}
		candidates = append(candidates, results[i])
	}
	logging.Maker("generated %d/%d candidates", len(candidates), n)
	return candidates, nil
}

// VoteOutcome reports the quorum decision.
type VoteOutcome struct {
	Winner      string         `json:"-"`
	WinnerLabel string         `json:"winner"`
	Tally       map[string]int `json:"tally"`
}

// Vote labels the candidates A, B, C... and runs 2k-1 parallel voter
// invocations. The first label to reach k votes wins; if none does,
// the argmax wins with ties resolved by label order.
func (e *Engine) Vote(ctx context.Context, candidates []string, task string, k int) (*VoteOutcome, error) {
	switch len(candidates) {
	case 0:
		return nil, nil
	case 1:
		return &VoteOutcome{
			Winner:      candidates[0],
			WinnerLabel: "A",
			Tally:       map[string]int{"A": 1},
		}, nil
	}
	if k < 1 {
		k = 1
	}

	timer := logging.StartTimer(logging.CategoryMaker, "vote")
	defer timer.Stop()

	labels := make([]string, len(candidates))
	for i := range candidates {
		labels[i] = string(rune('A' + i))
	}
	prompt := voterPrompt(candidates, labels, task)

	numVoters := 2*k - 1
	votes := make([]string, numVoters)

	var wg sync.WaitGroup
	for i := 0; i < numVoters; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.caller.Complete(ctx, agent.RoleVoter, agent.Request{
				System:      "You are a strict code judge. Answer with the single letter of the best candidate.",
				User:        prompt,
				Temperature: voteTemperature,
			})
			if err != nil {
				logging.Get(logging.CategoryMaker).Warn("voter %d failed: %v", i, err)
				return
			}
			votes[i] = parseVote(out, labels)
		}()
	}
	wg.Wait()

	tally := make(map[string]int, len(labels))
	for _, label := range labels {
		tally[label] = 0
	}
	winnerLabel := ""
	for _, v := range votes {
		if v == "" {
			continue
		}
		tally[v]++
		if winnerLabel == "" && tally[v] >= k {
			winnerLabel = v
		}
	}

	if winnerLabel == "" {
		// Argmax with label-order ties.
		best := -1
		for _, label := range labels {
			if tally[label] > best {
				best = tally[label]
				winnerLabel = label
			}
		}
	}

	logging.Maker("vote tally %v, winner %s", tally, winnerLabel)
	return &VoteOutcome{
		Winner:      candidates[int(winnerLabel[0]-'A')],
		WinnerLabel: winnerLabel,
		Tally:       tally,
	}, nil
}

// parseVote reads a voter response as its first capital letter that is
// a known label.
func parseVote(response string, labels []string) string {
	valid := make(map[byte]bool, len(labels))
	for _, l := range labels {
		valid[l[0]] = true
	}
	for i := 0; i < len(response); i++ {
		c := response[i]
		if c >= 'A' && c <= 'Z' && valid[c] {
			return string(c)
		}
	}
	return ""
}

func voterPrompt(candidates, labels []string, task string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task:\n%s\n\nCandidates:\n", task)
	for i, c := range candidates {
		fmt.Fprintf(&b, "\n--- Candidate %s ---\n%s\n", labels[i], c)
	}
	b.WriteString("\nWhich candidate best solves the task? Reply with one letter.")
	return b.String()
}
