// Package critic decides whether a completed retrieval pass gathered enough
// evidence or a refinement pass should run. Two implementations exist: a
// deterministic rule evaluated locally and a model-backed variant whose
// strict-JSON verdict is validated against a compiled schema. Either way the
// caller always receives a usable decision; model failures surface as a
// classified error next to the no-refine fallback so the pipeline can log
// them without branching.
package critic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/trellishq/trellis/runtime/faults"
	"github.com/trellishq/trellis/runtime/model"
	"github.com/trellishq/trellis/runtime/router"
)

// Critic backend selectors.
const (
	BackendDeterministic = "deterministic"
	BackendGoogle        = "google"
)

// DefaultMaxRefinements bounds refinement passes per query.
const DefaultMaxRefinements = 1

// Deterministic rule thresholds: a single-source route refines when the top
// score or the hit count falls below these.
const (
	lowEvidenceScore = 0.35
	minHitCount      = 2
)

type (
	// Input summarises one retrieval outcome for assessment.
	Input struct {
		Question string
		Route    router.Route
		TopScore float64
		HitCount int
	}

	// Decision is the critic verdict.
	Decision struct {
		ShouldRefine bool   `json:"should_refine"`
		Reason       string `json:"reason"`
	}

	// Model assesses retrieval outcomes. Implementations must be safe for
	// concurrent use.
	Model interface {
		Evaluate(ctx context.Context, in Input) (Decision, error)
	}
)

// DefaultRefinementMap returns the route rewrites applied when the critic
// asks for refinement. Routes without an entry never refine. The graph route
// maps onto itself; the refinement pass widens its candidate pool instead of
// changing sources.
func DefaultRefinementMap() map[router.Route]router.Route {
	return map[router.Route]router.Route{
		router.RouteDocument: router.RouteHybrid,
		router.RouteGraph:    router.RouteGraph,
	}
}

// Deterministic refines single-source routes with weak evidence and nothing
// else. The zero value is ready to use.
type Deterministic struct{}

// Evaluate implements Model. It never fails.
func (Deterministic) Evaluate(_ context.Context, in Input) (Decision, error) {
	single := in.Route == router.RouteDocument || in.Route == router.RouteGraph
	if single && (in.TopScore < lowEvidenceScore || in.HitCount < minHitCount) {
		return Decision{ShouldRefine: true, Reason: "low evidence on single-source route"}, nil
	}
	return Decision{ShouldRefine: false, Reason: "evidence is sufficient"}, nil
}

// decisionSchemaJSON validates the model verdict. Extra keys are tolerated;
// only should_refine is mandatory.
const decisionSchemaJSON = `{
	"type": "object",
	"required": ["should_refine"],
	"properties": {
		"should_refine": {"type": "boolean"},
		"reason": {"type": "string"}
	}
}`

// ModelCritic asks a completion model for the verdict. Malformed or invalid
// output degrades to the no-refine fallback with a CriticFailure error; the
// decision remains usable either way.
type ModelCritic struct {
	client  model.Client
	modelID string
	schema  *jsonschema.Schema
}

// NewModelCritic constructs a model-backed critic.
func NewModelCritic(client model.Client, modelID string) (*ModelCritic, error) {
	if client == nil {
		return nil, errors.New("trellis: critic model client is required")
	}
	if modelID == "" {
		return nil, errors.New("trellis: critic model identifier is required")
	}
	var doc any
	if err := json.Unmarshal([]byte(decisionSchemaJSON), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal critic schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("critic.json", doc); err != nil {
		return nil, fmt.Errorf("add critic schema resource: %w", err)
	}
	schema, err := compiler.Compile("critic.json")
	if err != nil {
		return nil, fmt.Errorf("compile critic schema: %w", err)
	}
	return &ModelCritic{client: client, modelID: modelID, schema: schema}, nil
}

// Evaluate implements Model. The returned decision is always usable: on any
// model failure it is the no-refine fallback and the error carries the
// CriticFailure classification for logging.
func (c *ModelCritic) Evaluate(ctx context.Context, in Input) (Decision, error) {
	fallback := Decision{ShouldRefine: false, Reason: "critic parse fallback"}

	resp, err := c.client.Complete(ctx, model.Request{
		Model:       c.modelID,
		Messages:    []model.Message{{Role: model.RoleUser, Content: criticPrompt(in)}},
		Temperature: 1.0,
	})
	if err != nil {
		return fallback, faults.Wrap(faults.KindCriticFailure, "critic completion failed", err)
	}

	raw := model.ExtractJSON(resp.Text)
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return fallback, faults.Wrap(faults.KindCriticFailure, "critic returned malformed output", err)
	}
	if err := c.schema.Validate(decoded); err != nil {
		return fallback, faults.Wrap(faults.KindCriticFailure, "critic output failed validation", err)
	}
	var verdict Decision
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return fallback, faults.Wrap(faults.KindCriticFailure, "critic returned malformed output", err)
	}
	if verdict.Reason == "" {
		verdict.Reason = "critic decided"
	}
	return verdict, nil
}

func criticPrompt(in Input) string {
	return "You are a retrieval critic. Return strict JSON with keys " +
		"should_refine(boolean) and reason(string). " +
		"Refine only if confidence is likely weak and hybrid retrieval would help. " +
		"Question: " + in.Question + "\n" +
		"Route: " + string(in.Route) + "\n" +
		"Top score: " + strconv.FormatFloat(in.TopScore, 'g', -1, 64) + "\n" +
		"Hit count: " + strconv.Itoa(in.HitCount)
}
