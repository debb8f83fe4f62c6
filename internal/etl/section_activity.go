package etl

import (
	"context"

	"github.com/BartekS5/indexsync/pkg/models"
)

// Aggregates rebuilt on the owning agent row.
const (
	AggregateFeedback   = "feedback"
	AggregateValidation = "validation"
)

func transformFeedback(_ context.Context, rec models.Record) (Result, error) {
	agentID, err := agentIDOf(rec, "agent.agentId")
	if err != nil {
		return Result{}, err
	}

	f := newFieldSet().
		set("agent_id", agentID).
		veto("client_address", rec.String("clientAddress")).
		set("score", rec.Int64("score")).
		set("tag1", rec.String("tag1")).
		set("tag2", rec.String("tag2")).
		set("feedback_uri", rec.String("feedbackURI")).
		always("revoked", boolInt(rec.Bool("isRevoked"))).
		set("block_number", rec.String("blockNumber")).
		set("created_at", rec.Int64("createdAt"))

	return Result{
		Key: rec.ID,
		Ops: []models.WriteOp{
			upsert(rec, "feedback", keyOf(rec.Partition, "feedback_id", rec.ID), f),
			recompute(rec, AggregateFeedback, agentID),
		},
	}, nil
}

func transformValidationRequest(_ context.Context, rec models.Record) (Result, error) {
	agentID, err := agentIDOf(rec, "agent.agentId")
	if err != nil {
		return Result{}, err
	}

	f := newFieldSet().
		set("agent_id", agentID).
		veto("validator_address", rec.String("validatorAddress")).
		set("request_uri", rec.String("requestURI")).
		set("block_number", rec.String("blockNumber")).
		set("created_at", rec.Int64("createdAt"))

	return Result{
		Key: rec.ID,
		Ops: []models.WriteOp{
			upsert(rec, "validation_requests", keyOf(rec.Partition, "request_id", rec.ID), f),
		},
	}, nil
}

func transformValidationResponse(_ context.Context, rec models.Record) (Result, error) {
	agentID, err := agentIDOf(rec, "agent.agentId")
	if err != nil {
		return Result{}, err
	}

	f := newFieldSet().
		set("request_id", rec.String("request.id")).
		set("agent_id", agentID).
		veto("validator_address", rec.String("validatorAddress")).
		set("response", rec.Int64("response")).
		set("response_uri", rec.String("responseURI")).
		set("tag", rec.String("tag")).
		set("block_number", rec.String("blockNumber")).
		set("created_at", rec.Int64("createdAt"))

	return Result{
		Key: rec.ID,
		Ops: []models.WriteOp{
			upsert(rec, "validation_responses", keyOf(rec.Partition, "response_id", rec.ID), f),
			recompute(rec, AggregateValidation, agentID),
		},
	}, nil
}

func transformAssociation(_ context.Context, rec models.Record) (Result, error) {
	agentID, err := agentIDOf(rec, "agent.agentId")
	if err != nil {
		return Result{}, err
	}

	f := newFieldSet().
		set("agent_id", agentID).
		veto("account", rec.String("account")).
		set("kind", rec.String("kind")).
		always("revoked", boolInt(rec.Bool("isRevoked"))).
		set("block_number", rec.String("blockNumber"))

	return Result{
		Key: rec.ID,
		Ops: []models.WriteOp{
			upsert(rec, "associations", keyOf(rec.Partition, "association_id", rec.ID), f),
		},
	}, nil
}

// transformMetadata keys entries by (agent, key) so a later value for the
// same key replaces the earlier one.
func transformMetadata(_ context.Context, rec models.Record) (Result, error) {
	agentID, err := agentIDOf(rec, "agent.agentId")
	if err != nil {
		return Result{}, err
	}
	key := rec.String("key")

	f := newFieldSet().
		set("meta_value", rec.String("value")).
		always("updated_at", rec.Int64("updatedAt"))

	return Result{
		Key: agentID + "/" + key,
		Ops: []models.WriteOp{
			upsert(rec, "agent_metadata", keyOf(rec.Partition, "agent_id", agentID, "meta_key", key), f),
		},
	}, nil
}
