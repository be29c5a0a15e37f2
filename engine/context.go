package engine

import (
	"fmt"
	"strings"

	"pulpo/tools"
)

// idKeys are the result fields scanned for ids of entities a tool call
// created or operated on. Tracked so later turns can reference them
// without the model re-reading earlier results.
var idKeys = []string{
	"id", "item_id", "publication_id", "product_id", "order_id",
	"question_id", "category_id", "chart_id", "grid_id", "size_grid_id",
	"integration_id", "agent_id", "user_id",
}

// execContext is the per-execution working state: call and failure
// counters plus the entities created so far. Lives for one Execute call
// on one goroutine.
type execContext struct {
	maxIterations    int
	failureThreshold int

	totalCalls      int
	failures        map[string]int // consecutive, per tool
	recentSuccesses []string
	created         []createdEntity
}

type createdEntity struct {
	Tool string
	Key  string
	ID   string
}

func newExecContext(maxIterations, failureThreshold int) *execContext {
	return &execContext{
		maxIterations:    maxIterations,
		failureThreshold: failureThreshold,
		failures:         make(map[string]int),
	}
}

// record updates counters for one completed tool call and returns
// whether the tool just crossed the consecutive failure threshold.
func (ec *execContext) record(toolName string, result tools.Result) (thresholdHit bool) {
	ec.totalCalls++
	if !result.Success {
		ec.failures[toolName]++
		return ec.failures[toolName] >= ec.failureThreshold
	}
	ec.failures[toolName] = 0
	ec.recentSuccesses = append(ec.recentSuccesses, toolName)
	if len(ec.recentSuccesses) > 5 {
		ec.recentSuccesses = ec.recentSuccesses[len(ec.recentSuccesses)-5:]
	}
	ec.scanIDs(toolName, result.Data)
	return false
}

// scanIDs walks one level of maps in the result payload looking for
// entity id fields.
func (ec *execContext) scanIDs(toolName string, data any) {
	payload, ok := data.(map[string]any)
	if !ok {
		return
	}
	for _, key := range idKeys {
		if id := asID(payload[key]); id != "" {
			ec.created = append(ec.created, createdEntity{Tool: toolName, Key: key, ID: id})
		}
	}
}

func asID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return fmt.Sprintf("%.0f", id)
	}
	return ""
}

// annotate appends the progress block to a tool result before it goes
// back to the model.
func (ec *execContext) annotate(resultText string) string {
	var b strings.Builder
	b.WriteString(resultText)
	fmt.Fprintf(&b, "\n\n[Progress: %d/%d tool calls used]", ec.totalCalls, ec.maxIterations)
	if len(ec.recentSuccesses) > 0 {
		fmt.Fprintf(&b, "\n[Recent successful tools: %s]", strings.Join(ec.recentSuccesses, ", "))
	}
	if len(ec.created) > 0 {
		refs := make([]string, 0, len(ec.created))
		for _, e := range ec.created {
			refs = append(refs, fmt.Sprintf("%s=%s (%s)", e.Key, e.ID, e.Tool))
		}
		fmt.Fprintf(&b, "\n[Known entity ids: %s]", strings.Join(refs, ", "))
	}
	return b.String()
}

// limitMessage is the graceful wrap-up shown when the loop hits its
// iteration ceiling.
func (ec *execContext) limitMessage() string {
	return fmt.Sprintf("I've reached the maximum number of actions (%d) allowed for a single request. "+
		"Here's a summary of what I was able to do; please send a follow-up message if you'd like me to continue.",
		ec.maxIterations)
}

// failureMessage is the graceful abort shown when one tool keeps
// failing.
func (ec *execContext) failureMessage(toolName string) string {
	return fmt.Sprintf("I'm having repeated trouble with the %q tool (%d failures in a row), so I've stopped trying it. "+
		"The errors are included above; please check the tool's configuration or try a different approach.",
		toolName, ec.failures[toolName])
}
