package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/ternarybob/relay/internal/models"
)

// ChainOptions controls sequential chain execution.
type ChainOptions struct {
	// StopOnError prevents submission of a dependent whose upstream
	// did not complete successfully, and cancels all downstream links.
	StopOnError bool
	// JobOptions apply to every link's job.
	JobOptions models.JobOptions
}

// ChainLink is the per-link outcome of a chain run. LinkID is the
// node key in the dependency arena; JobID is empty for links that
// were never submitted.
type ChainLink struct {
	LinkID string           `json:"link_id"`
	JobID  string           `json:"job_id,omitempty"`
	Status models.JobStatus `json:"status"`
}

// ChainResult summarizes one chain run.
type ChainResult struct {
	ChainID string      `json:"chain_id"`
	Links   []ChainLink `json:"links"`
}

// RunChain executes payloads as a dependency chain: link i+1 is
// submitted only after link i's job reaches completed. The dependency
// graph is held as an arena of nodes; a link whose upstream fails is
// cancelled along with everything downstream of it. Blocks until the
// chain finishes or is cut short.
func (o *Orchestrator) RunChain(ctx context.Context, payloads []*models.JobPayload, opts ChainOptions) (*ChainResult, error) {
	if len(payloads) == 0 {
		return nil, fmt.Errorf("chain requires at least one payload")
	}

	chainID := uuid.New().String()

	// Build the arena up front with link IDs so the graph exists
	// before any job does. Node JobID is filled at submission time.
	linkIDs := make([]string, len(payloads))
	for i := range payloads {
		linkIDs[i] = uuid.New().String()
	}
	o.mu.Lock()
	for i, linkID := range linkIDs {
		node := &models.DependencyNode{JobID: linkID}
		if i > 0 {
			node.Dependencies = []string{linkIDs[i-1]}
		}
		if i < len(linkIDs)-1 {
			node.Dependents = []string{linkIDs[i+1]}
		}
		o.nodes[linkID] = node
	}
	o.mu.Unlock()

	result := &ChainResult{
		ChainID: chainID,
		Links:   make([]ChainLink, len(payloads)),
	}
	for i, linkID := range linkIDs {
		result.Links[i] = ChainLink{LinkID: linkID, Status: models.JobStatusQueued}
	}

	o.logger.Info().
		Str("chain_id", chainID).
		Int("links", len(payloads)).
		Msg("Chain started")

	jobByLink := make(map[string]string, len(payloads))

	for i, payload := range payloads {
		linkID := linkIDs[i]

		jobOpts := opts.JobOptions
		jobOpts.Tags = withTag(jobOpts.Tags, "chain", chainID)
		if i > 0 {
			// The upstream link has no job when its submission failed
			// and the chain kept going; such a link contributes no
			// dependency edge.
			if upstream, ok := jobByLink[linkIDs[i-1]]; ok {
				jobOpts.Dependencies = []string{upstream}
			}
		}

		jobID, err := o.submitter.SubmitJob(ctx, payload, jobOpts)
		if err != nil {
			result.Links[i].Status = models.JobStatusFailed
			if opts.StopOnError {
				o.cancelDownstream(ctx, linkID, jobByLink, result)
				return result, fmt.Errorf("chain %s stopped at link %d: %w", chainID, i, err)
			}
			continue
		}
		jobByLink[linkID] = jobID
		result.Links[i].JobID = jobID
		o.markSubmitted(linkID)

		done, err := o.awaitTerminal(ctx, []string{jobID})
		if err != nil {
			o.cancelDownstream(ctx, linkID, jobByLink, result)
			return result, err
		}

		status := models.JobStatusFailed
		if len(done) > 0 {
			status = done[0].Status
		}
		result.Links[i].Status = status

		if status != models.JobStatusCompleted && opts.StopOnError {
			o.logger.Warn().
				Str("chain_id", chainID).
				Str("job_id", jobID).
				Str("status", string(status)).
				Msg("Chain link did not complete, cancelling downstream")
			o.cancelDownstream(ctx, linkID, jobByLink, result)
			return result, fmt.Errorf("chain %s stopped: link %d ended %s", chainID, i, status)
		}
	}

	o.logger.Info().Str("chain_id", chainID).Msg("Chain finished")
	return result, nil
}

// markSubmitted flags a node once its job exists.
func (o *Orchestrator) markSubmitted(linkID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if node, ok := o.nodes[linkID]; ok {
		node.Submitted = true
	}
}

// cancelDownstream propagates cancellation through all dependents of
// the failed link. The walk is an iterative breadth-first traversal
// over the arena, bounding stack depth on long chains.
func (o *Orchestrator) cancelDownstream(ctx context.Context, linkID string, jobByLink map[string]string, result *ChainResult) {
	o.mu.Lock()
	queue := make([]string, 0)
	if node, ok := o.nodes[linkID]; ok {
		queue = append(queue, node.Dependents...)
	}
	visited := map[string]bool{linkID: true}

	cancelled := make([]string, 0)
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if visited[current] {
			continue
		}
		visited[current] = true

		node, ok := o.nodes[current]
		if !ok {
			continue
		}
		node.Cancelled = true
		cancelled = append(cancelled, current)
		queue = append(queue, node.Dependents...)
	}
	o.mu.Unlock()

	for _, id := range cancelled {
		if jobID, ok := jobByLink[id]; ok {
			o.submitter.CancelJob(ctx, jobID)
		}
		for i := range result.Links {
			if result.Links[i].LinkID == id {
				result.Links[i].Status = models.JobStatusCancelled
			}
		}
	}

	if len(cancelled) > 0 {
		o.logger.Debug().
			Int("cancelled", len(cancelled)).
			Msg("Downstream chain links cancelled")
	}
}
