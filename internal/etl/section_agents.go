package etl

import (
	"context"
	"fmt"

	"github.com/BartekS5/indexsync/pkg/models"
	"github.com/BartekS5/indexsync/pkg/utils"
)

type agentTransformer struct {
	registrations *RegistrationFetcher
}

func (t *agentTransformer) Transform(ctx context.Context, rec models.Record) (Result, error) {
	agentID, ok := rec.BigInt("agentId")
	if !ok {
		return Result{}, fmt.Errorf("record %s: agentId is missing or not numeric", rec.ID)
	}
	id := agentID.String()
	res := Result{Key: id}

	owner := utils.NormalizeAddress(rec.String("owner"))
	if rec.Bool("burned") || owner == models.BurnAddress {
		res.Ops = tombstoneAgent(rec, id)
		return res, nil
	}

	reg := registrationFromRecord(rec)
	uri := rec.String("agentURI")
	if t.registrations != nil && uri != "" {
		doc, err := t.registrations.Fetch(ctx, uri)
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("registration file for agent %s: %v", id, err))
		} else {
			reg = reg.fillFrom(doc)
		}
	}

	f := newFieldSet().
		set("agent_id_hex", "0x"+agentID.Text(16)).
		set("global_id", rec.Partition+":"+id).
		veto("owner", owner).
		set("agent_uri", uri).
		set("name", reg.Name).
		set("description", reg.Description).
		set("image_uri", reg.Image).
		set("created_at", rec.Int64("createdAt")).
		always("updated_at", rec.Int64("updatedAt"))
	if reg.Active != nil {
		f.set("active", boolInt(*reg.Active))
	} else {
		f.set("active", nil)
	}

	res.Ops = append(res.Ops, upsert(rec, "agents", keyOf(rec.Partition, "agent_id", id), f))

	seen := make(map[string]bool)
	for _, ep := range reg.Endpoints {
		k := ep.Name + "\x00" + ep.Endpoint
		if seen[k] {
			continue
		}
		seen[k] = true
		res.Ops = append(res.Ops, insertIfAbsent(rec, "agent_endpoints",
			keyOf(rec.Partition, "agent_id", id, "name", ep.Name, "endpoint", ep.Endpoint)))
	}
	for _, trust := range reg.SupportedTrusts {
		if seen["trust\x00"+trust] {
			continue
		}
		seen["trust\x00"+trust] = true
		res.Ops = append(res.Ops, insertIfAbsent(rec, "agent_trust_models",
			keyOf(rec.Partition, "agent_id", id, "trust_model", trust)))
	}
	// activity synced before the agent row existed is counted here
	res.Ops = append(res.Ops,
		recompute(rec, AggregateFeedback, id),
		recompute(rec, AggregateValidation, id))
	return res, nil
}

// registrationFromRecord reads the indexed copy of the registration file.
func registrationFromRecord(rec models.Record) RegistrationFile {
	raw := rec.Object("registrationFile")
	if raw == nil {
		return RegistrationFile{}
	}
	reg := RegistrationFile{
		Name:        utils.ConvertToString(raw["name"]),
		Description: utils.ConvertToString(raw["description"]),
		Image:       utils.ConvertToString(raw["image"]),
	}
	if v, ok := raw["active"]; ok && v != nil {
		if b, err := utils.ConvertToBool(v); err == nil {
			reg.Active = &b
		}
	}
	if eps, ok := raw["endpoints"].([]interface{}); ok {
		for _, e := range eps {
			m, ok := e.(map[string]interface{})
			if !ok {
				continue
			}
			if ep := utils.ConvertToString(m["endpoint"]); ep != "" {
				reg.Endpoints = append(reg.Endpoints, Endpoint{Name: utils.ConvertToString(m["name"]), Endpoint: ep})
			}
		}
	}
	if trusts, ok := raw["supportedTrusts"].([]interface{}); ok {
		for _, tr := range trusts {
			if s := utils.ConvertToString(tr); s != "" {
				reg.SupportedTrusts = append(reg.SupportedTrusts, s)
			}
		}
	}
	return reg
}

func tombstoneAgent(rec models.Record, id string) []models.WriteOp {
	key := keyOf(rec.Partition, "agent_id", id)
	tomb := newFieldSet().
		always("reason", "burned").
		always("last_cursor", rec.Cursor().String())
	return []models.WriteOp{
		deleteWhere(rec, "agent_endpoints", key),
		deleteWhere(rec, "agent_trust_models", key),
		deleteWhere(rec, "agent_metadata", key),
		deleteWhere(rec, "agents", key),
		upsert(rec, "tombstones", keyOf(rec.Partition, "entity", "agent", "entity_key", id), tomb),
	}
}
