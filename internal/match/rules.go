package match

import (
	"context"
	"fmt"
	"strings"

	"github.com/sells-group/po-intake/internal/model"
	"github.com/sells-group/po-intake/internal/store"
)

// Per-rule base confidences. Stacked evidence on the same entity raises the
// final figure above the strongest single rule.
const (
	confDomainMatch      = 0.85
	confPhoneMatch       = 0.80
	confNameContainment  = 0.78
	confStackIncrement   = 0.05
	confRuleCeiling      = 0.95
	minPhoneDigitsForUse = 7
)

// ruleHit is one deterministic-rule outcome against an entity.
type ruleHit struct {
	entityID   string
	confidence float64
	evidence   []string
}

// ruleStage applies kind-specific heuristics: email-domain lookup for
// customers, phone-digit lookup, and alternate-name containment against the
// vector candidates already fetched. Multiple rules agreeing on the same
// entity stack.
func (o *Orchestrator) ruleStage(ctx context.Context, kind model.EntityKind, ref model.Reference, candidates []store.Candidate) (*ruleHit, error) {
	hits := make(map[string]*ruleHit)
	merge := func(entityID string, conf float64, ev string) {
		h, ok := hits[entityID]
		if !ok {
			hits[entityID] = &ruleHit{entityID: entityID, confidence: conf, evidence: []string{ev}}
			return
		}
		if conf > h.confidence {
			h.confidence = conf
		}
		h.confidence += confStackIncrement
		if h.confidence > confRuleCeiling {
			h.confidence = confRuleCeiling
		}
		h.evidence = append(h.evidence, ev)
	}

	if kind == model.KindCustomer {
		domain := strings.ToLower(strings.TrimSpace(ref.EmailDomain))
		if domain == "" {
			domain = DomainFromEmail(ref.Email)
		}
		if domain != "" {
			e, err := o.store.FindByDomain(ctx, domain)
			if err != nil {
				return nil, err
			}
			if e != nil {
				merge(e.ID, confDomainMatch,
					fmt.Sprintf("email domain %q matches customer domain", domain))
			}
		}
	}

	if digits := PhoneDigits(ref.Phone); len(digits) >= minPhoneDigitsForUse {
		e, err := o.store.FindByPhone(ctx, kind, digits)
		if err != nil {
			return nil, err
		}
		if e != nil {
			merge(e.ID, confPhoneMatch, "phone digits match entity phone")
		}
	}

	// Alternate-name containment against the nearest-neighbor candidates.
	refNorm := NormalizeName(ref.Text)
	if refNorm != "" {
		for _, c := range candidates {
			candNorm := NormalizeName(c.Name)
			if candNorm == "" {
				continue
			}
			if strings.Contains(refNorm, candNorm) || strings.Contains(candNorm, refNorm) {
				merge(c.EntityID, confNameContainment,
					fmt.Sprintf("normalized reference contains candidate name %q", c.Name))
			}
		}
	}

	var best *ruleHit
	for _, h := range hits {
		if best == nil || h.confidence > best.confidence {
			best = h
		}
	}
	return best, nil
}
