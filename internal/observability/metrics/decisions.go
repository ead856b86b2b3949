package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type verdictKey struct {
	category string
	outcome  string
}

type decisionCollector struct {
	mu       sync.Mutex
	verdicts map[verdictKey]uint64
	rounds   map[string]uint64
	halted   bool
}

var decisions = &decisionCollector{
	verdicts: make(map[verdictKey]uint64),
	rounds:   make(map[string]uint64),
}

// ObserveVerdict records one authorization decision.
func ObserveVerdict(category string, allowed bool, halted bool) {
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	} else if halted {
		outcome = "halted"
	}
	decisions.mu.Lock()
	decisions.verdicts[verdictKey{category: category, outcome: outcome}]++
	decisions.mu.Unlock()
}

// ObserveConsensusRound records one swarm voting round.
func ObserveConsensusRound(approved bool) {
	outcome := "rejected"
	if approved {
		outcome = "approved"
	}
	decisions.mu.Lock()
	decisions.rounds[outcome]++
	decisions.mu.Unlock()
}

// SetHaltEngaged mirrors the halt switch state into the gauge.
func SetHaltEngaged(engaged bool) {
	decisions.mu.Lock()
	decisions.halted = engaged
	decisions.mu.Unlock()
}

func (c *decisionCollector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type verdictMetric struct {
		verdictKey
		value uint64
	}
	verdicts := make([]verdictMetric, 0, len(c.verdicts))
	for key, value := range c.verdicts {
		verdicts = append(verdicts, verdictMetric{verdictKey: key, value: value})
	}
	sort.Slice(verdicts, func(i, j int) bool {
		if verdicts[i].category == verdicts[j].category {
			return verdicts[i].outcome < verdicts[j].outcome
		}
		return verdicts[i].category < verdicts[j].category
	})

	outcomes := make([]string, 0, len(c.rounds))
	for outcome := range c.rounds {
		outcomes = append(outcomes, outcome)
	}
	sort.Strings(outcomes)

	var builder strings.Builder
	builder.Grow(512)

	builder.WriteString("# HELP aegis_verdicts_total Total number of authorization verdicts issued.\n")
	builder.WriteString("# TYPE aegis_verdicts_total counter\n")
	for _, metric := range verdicts {
		builder.WriteString(fmt.Sprintf("aegis_verdicts_total{category=\"%s\",outcome=\"%s\"} %d\n",
			escape(metric.category), escape(metric.outcome), metric.value))
	}

	builder.WriteString("# HELP aegis_consensus_rounds_total Total number of swarm consensus rounds.\n")
	builder.WriteString("# TYPE aegis_consensus_rounds_total counter\n")
	for _, outcome := range outcomes {
		builder.WriteString(fmt.Sprintf("aegis_consensus_rounds_total{outcome=\"%s\"} %d\n",
			escape(outcome), c.rounds[outcome]))
	}

	builder.WriteString("# HELP aegis_halt_engaged Whether the emergency halt switch is active.\n")
	builder.WriteString("# TYPE aegis_halt_engaged gauge\n")
	engaged := 0
	if c.halted {
		engaged = 1
	}
	builder.WriteString(fmt.Sprintf("aegis_halt_engaged %d\n", engaged))

	return builder.String()
}
