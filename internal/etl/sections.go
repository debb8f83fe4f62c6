package etl

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BartekS5/indexsync/pkg/models"
)

var ErrUnknownSection = errors.New("unknown section")

const (
	SectionAgents              = "agents"
	SectionFeedback            = "feedback"
	SectionValidationRequests  = "validation-requests"
	SectionValidationResponses = "validation-responses"
	SectionAssociations        = "associations"
	SectionMetadata            = "metadata"
)

// SchemaMismatchError is returned when a required section's collection is
// missing upstream.
type SchemaMismatchError struct {
	Partition  string
	Section    string
	Collection string
	Err        error
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("partition %s: upstream schema has no usable %q collection for required section %s: %v",
		e.Partition, e.Collection, e.Section, e.Err)
}

func (e *SchemaMismatchError) Unwrap() error {
	return e.Err
}

type Section struct {
	Schema      models.SectionSchema
	Transformer Transformer
}

func (s Section) Name() string {
	return s.Schema.Name
}

type TransformOptions struct {
	// Registrations enables side-fetching agent registration files. Nil disables it.
	Registrations *RegistrationFetcher
}

var schemas = []models.SectionSchema{
	{
		Name:          SectionAgents,
		Collection:    "agents",
		Table:         "agents",
		OrderingField: "updatedAt",
		CursorKind:    models.CursorCompound,
		Selection: `id agentId owner agentURI burned createdAt updatedAt
    registrationFile { name description image active supportedTrusts endpoints { name endpoint } }`,
		Required: []string{"agentId"},
	},
	{
		Name:          SectionFeedback,
		Collection:    "feedbacks",
		Table:         "feedback",
		OrderingField: "blockNumber",
		CursorKind:    models.CursorCompound,
		Selection:     `id agent { agentId } clientAddress score tag1 tag2 feedbackURI isRevoked blockNumber createdAt`,
		Required:      []string{"agent.agentId"},
	},
	{
		Name:          SectionValidationRequests,
		Collection:    "validationRequests",
		Table:         "validation_requests",
		OrderingField: "blockNumber",
		CursorKind:    models.CursorNumeric,
		Optional:      true,
		Selection:     `id agent { agentId } validatorAddress requestURI blockNumber createdAt`,
		Required:      []string{"agent.agentId"},
	},
	{
		Name:          SectionValidationResponses,
		Collection:    "validationResponses",
		Table:         "validation_responses",
		OrderingField: "blockNumber",
		CursorKind:    models.CursorNumeric,
		Optional:      true,
		Selection:     `id request { id } agent { agentId } validatorAddress response responseURI tag blockNumber createdAt`,
		Required:      []string{"agent.agentId", "response"},
	},
	{
		Name:          SectionAssociations,
		Collection:    "associations",
		Table:         "associations",
		OrderingField: "blockNumber",
		CursorKind:    models.CursorNumeric,
		Optional:      true,
		Selection:     `id agent { agentId } account kind isRevoked blockNumber`,
		Required:      []string{"agent.agentId", "account"},
	},
	{
		Name:          SectionMetadata,
		Collection:    "agentMetadatas",
		Table:         "agent_metadata",
		OrderingField: "updatedAt",
		CursorKind:    models.CursorCompound,
		Optional:      true,
		Selection:     `id agent { agentId } key value updatedAt`,
		Required:      []string{"agent.agentId", "key"},
	},
}

// Sections returns the registry in its canonical order.
func Sections(opts TransformOptions) []Section {
	transformers := map[string]Transformer{
		SectionAgents:              &agentTransformer{registrations: opts.Registrations},
		SectionFeedback:            TransformFunc(transformFeedback),
		SectionValidationRequests:  TransformFunc(transformValidationRequest),
		SectionValidationResponses: TransformFunc(transformValidationResponse),
		SectionAssociations:        TransformFunc(transformAssociation),
		SectionMetadata:            TransformFunc(transformMetadata),
	}

	out := make([]Section, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, Section{Schema: s, Transformer: transformers[s.Name]})
	}
	return out
}

func SectionNames() []string {
	names := make([]string, 0, len(schemas))
	for _, s := range schemas {
		names = append(names, s.Name)
	}
	return names
}

// SelectSections keeps the requested sections in the requested order. An
// empty request selects everything.
func SelectSections(all []Section, names []string) ([]Section, error) {
	if len(names) == 0 {
		return all, nil
	}
	byName := make(map[string]Section, len(all))
	for _, s := range all {
		byName[s.Name()] = s
	}

	out := make([]Section, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		s, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("%w %q (known: %s)", ErrUnknownSection, n, strings.Join(SectionNames(), ", "))
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, s)
	}
	return out, nil
}
