// Package documents gates company edits to project documents. A document
// slot is written freely while empty; once set, each overwrite needs its
// own update request granted by the client.
package documents

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"escrowflow/internal/apperror"
	"escrowflow/internal/authz"
	"escrowflow/internal/model"
	"escrowflow/internal/repository"
	"escrowflow/internal/service/observe"
)

type Service struct {
	store  repository.Store
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store repository.Store, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger.With(zap.String("component", "documents")),
		now:    time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) begin(ctx context.Context, action string, actor authz.Actor) (context.Context, func(*error)) {
	return observe.Begin(ctx, s.logger, "documents", action, actor)
}

func subjectOf(p *model.Project) authz.Subject {
	return authz.Subject{ClientID: p.ClientID, CompanyID: p.CompanyID}
}

func loadProject(ctx context.Context, r repository.Reader, id int64) (*model.Project, error) {
	p, err := r.GetProject(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperror.NotFound("project", id)
	}
	return p, err
}

func loadExtra(ctx context.Context, r repository.Reader, projectID, id int64) (*model.ExtraDocument, error) {
	d, err := r.GetExtraDocument(ctx, id)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && d.ProjectID != projectID) {
		return nil, apperror.Validation("extra_document_id", "no such extra document on this project")
	}
	return d, err
}

func event(t model.EventType, aggregate string, id, projectID int64, actor authz.Actor, payload any) model.Event {
	return model.Event{
		Type:          t,
		AggregateType: aggregate,
		AggregateID:   id,
		ProjectID:     projectID,
		ActorID:       actor.UserID,
		Payload:       payload,
	}
}

type RequestInput struct {
	DocumentType    model.DocumentType
	ExtraDocumentID *int64
	Reason          string
}

// RequestUpdate asks the client for permission to overwrite a document that
// is already set. Only one request per document may be pending.
func (s *Service) RequestUpdate(ctx context.Context, actor authz.Actor, projectID int64, in RequestInput) (_ *model.DocumentUpdateRequest, err error) {
	ctx, done := s.begin(ctx, "document.request_update", actor)
	defer done(&err)

	var out *model.DocumentUpdateRequest
	err = s.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		p, err := loadProject(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if err := authz.Check(actor, authz.DocumentRequestUpdate, subjectOf(p)); err != nil {
			return err
		}

		switch {
		case !in.DocumentType.Valid():
			return apperror.Validation("document_type", "unknown document type")
		case in.DocumentType == model.DocumentExtra && in.ExtraDocumentID == nil:
			return apperror.Validation("extra_document_id", "is required for extra documents")
		case in.DocumentType != model.DocumentExtra && in.ExtraDocumentID != nil:
			return apperror.Validation("extra_document_id", "only applies to extra documents")
		}
		if in.DocumentType == model.DocumentExtra {
			if _, err := loadExtra(ctx, tx, p.ID, *in.ExtraDocumentID); err != nil {
				return err
			}
		} else if p.Documents[in.DocumentType] == "" {
			return apperror.InvalidTransition("%s is not set yet; upload it directly", in.DocumentType)
		}

		if _, err := tx.FindUnconsumedGrant(ctx, p.ID, in.DocumentType, in.ExtraDocumentID); err == nil {
			return apperror.New(apperror.KindConflict, "an update of %s was already granted and has not been used", in.DocumentType)
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		req := &model.DocumentUpdateRequest{
			ProjectID:       p.ID,
			DocumentType:    in.DocumentType,
			ExtraDocumentID: in.ExtraDocumentID,
			Reason:          strings.TrimSpace(in.Reason),
			Status:          model.RequestPending,
			RequestedBy:     actor.UserID,
		}
		if err := tx.InsertDocumentRequest(ctx, req); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return apperror.Wrap(apperror.KindDuplicatePending, err, "an update request for %s is already pending", in.DocumentType)
			}
			return err
		}
		out = req
		return tx.AppendEvent(ctx, event(model.EventDocumentUpdateRequested, "document_update_request", req.ID, p.ID, actor,
			map[string]any{"document_type": req.DocumentType, "extra_document_id": req.ExtraDocumentID}))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) Grant(ctx context.Context, actor authz.Actor, requestID int64) (*model.DocumentUpdateRequest, error) {
	return s.resolve(ctx, actor, requestID, model.RequestGranted)
}

func (s *Service) Deny(ctx context.Context, actor authz.Actor, requestID int64) (*model.DocumentUpdateRequest, error) {
	return s.resolve(ctx, actor, requestID, model.RequestDenied)
}

func (s *Service) resolve(ctx context.Context, actor authz.Actor, requestID int64, to model.RequestStatus) (_ *model.DocumentUpdateRequest, err error) {
	ctx, done := s.begin(ctx, "document."+string(to), actor)
	defer done(&err)

	var out *model.DocumentUpdateRequest
	err = s.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		req, err := tx.GetDocumentRequest(ctx, requestID)
		if errors.Is(err, repository.ErrNotFound) {
			return apperror.NotFound("document update request", requestID)
		}
		if err != nil {
			return err
		}
		p, err := loadProject(ctx, tx, req.ProjectID)
		if err != nil {
			return err
		}
		if err := authz.Check(actor, authz.DocumentResolve, subjectOf(p)); err != nil {
			return err
		}
		if req.Status != model.RequestPending {
			return apperror.New(apperror.KindAlreadyFinalized, "request %d was already %s", req.ID, req.Status)
		}

		now := s.now()
		resolvedBy := actor.UserID
		req.Status = to
		req.ResolvedBy = &resolvedBy
		req.ResolvedAt = &now
		if err := tx.UpdateDocumentRequest(ctx, req); err != nil {
			return err
		}
		out = req
		t := model.EventDocumentUpdateGranted
		if to == model.RequestDenied {
			t = model.EventDocumentUpdateDenied
		}
		return tx.AppendEvent(ctx, event(t, "document_update_request", req.ID, p.ID, actor,
			map[string]any{"document_type": req.DocumentType, "extra_document_id": req.ExtraDocumentID}))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// consumeGrant spends the granted request for a document that is already
// set. A grant covers exactly one overwrite.
func (s *Service) consumeGrant(ctx context.Context, tx repository.Tx, projectID int64, t model.DocumentType, extraID *int64) (*model.DocumentUpdateRequest, error) {
	grant, err := tx.FindUnconsumedGrant(ctx, projectID, t, extraID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperror.InvalidTransition("%s is already set; request an update and wait for the client to grant it", t)
	}
	if err != nil {
		return nil, err
	}
	now := s.now()
	grant.ConsumedAt = &now
	if err := tx.UpdateDocumentRequest(ctx, grant); err != nil {
		return nil, err
	}
	return grant, nil
}

// SetDocument writes one of the fixed document slots.
func (s *Service) SetDocument(ctx context.Context, actor authz.Actor, projectID int64, t model.DocumentType, url string) (_ *model.Project, err error) {
	ctx, done := s.begin(ctx, "document.set", actor)
	defer done(&err)

	url = strings.TrimSpace(url)
	var out *model.Project
	err = s.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		p, err := loadProject(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if err := authz.Check(actor, authz.DocumentUpload, subjectOf(p)); err != nil {
			return err
		}
		if !t.IsSlot() {
			return apperror.Validation("document_type", "must be one of the fixed document slots")
		}
		if url == "" {
			return apperror.Validation("url", "is required")
		}

		payload := map[string]any{"document_type": t}
		if p.Documents[t] != "" {
			grant, err := s.consumeGrant(ctx, tx, p.ID, t, nil)
			if err != nil {
				return err
			}
			payload["request_id"] = grant.ID
		}
		if p.Documents == nil {
			p.Documents = map[model.DocumentType]string{}
		}
		p.Documents[t] = url
		if err := tx.UpdateProject(ctx, p); err != nil {
			return err
		}
		out = p
		return tx.AppendEvent(ctx, event(model.EventDocumentUpdated, "project", p.ID, p.ID, actor, payload))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddExtraDocument attaches a new ad-hoc document. It never needs a grant.
func (s *Service) AddExtraDocument(ctx context.Context, actor authz.Actor, projectID int64, name, url string) (_ *model.ExtraDocument, err error) {
	ctx, done := s.begin(ctx, "document.add_extra", actor)
	defer done(&err)

	f := apperror.FieldErrors{}
	if strings.TrimSpace(name) == "" {
		f.Add("name", "is required")
	}
	if strings.TrimSpace(url) == "" {
		f.Add("url", "is required")
	}

	var out *model.ExtraDocument
	err = s.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		p, err := loadProject(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if err := authz.Check(actor, authz.DocumentUpload, subjectOf(p)); err != nil {
			return err
		}
		if err := f.Err(); err != nil {
			return err
		}
		d := &model.ExtraDocument{
			ProjectID:  p.ID,
			Name:       strings.TrimSpace(name),
			URL:        strings.TrimSpace(url),
			UploadedBy: actor.UserID,
		}
		if err := tx.InsertExtraDocument(ctx, d); err != nil {
			return err
		}
		out = d
		return tx.AppendEvent(ctx, event(model.EventDocumentUpdated, "extra_document", d.ID, p.ID, actor,
			map[string]any{"document_type": model.DocumentExtra, "extra_document_id": d.ID, "created": true}))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateExtraDocument overwrites an extra document. It is gated like the
// fixed slots, keyed by the document's id.
func (s *Service) UpdateExtraDocument(ctx context.Context, actor authz.Actor, projectID, extraID int64, url string) (_ *model.ExtraDocument, err error) {
	ctx, done := s.begin(ctx, "document.update_extra", actor)
	defer done(&err)

	url = strings.TrimSpace(url)
	var out *model.ExtraDocument
	err = s.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		p, err := loadProject(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if err := authz.Check(actor, authz.DocumentUpload, subjectOf(p)); err != nil {
			return err
		}
		if url == "" {
			return apperror.Validation("url", "is required")
		}
		d, err := loadExtra(ctx, tx, p.ID, extraID)
		if err != nil {
			return err
		}
		grant, err := s.consumeGrant(ctx, tx, p.ID, model.DocumentExtra, &d.ID)
		if err != nil {
			return err
		}
		d.URL = url
		if err := tx.UpdateExtraDocument(ctx, d); err != nil {
			return err
		}
		out = d
		return tx.AppendEvent(ctx, event(model.EventDocumentUpdated, "extra_document", d.ID, p.ID, actor,
			map[string]any{"document_type": model.DocumentExtra, "extra_document_id": d.ID, "request_id": grant.ID}))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) ListRequests(ctx context.Context, actor authz.Actor, projectID int64) (_ []model.DocumentUpdateRequest, err error) {
	ctx, done := s.begin(ctx, "document.list_requests", actor)
	defer done(&err)

	p, err := loadProject(ctx, s.store, projectID)
	if err != nil {
		return nil, err
	}
	if err := authz.Check(actor, authz.ProjectView, subjectOf(p)); err != nil {
		return nil, err
	}
	return s.store.ListDocumentRequests(ctx, projectID)
}

func (s *Service) ListExtraDocuments(ctx context.Context, actor authz.Actor, projectID int64) (_ []model.ExtraDocument, err error) {
	ctx, done := s.begin(ctx, "document.list_extra", actor)
	defer done(&err)

	p, err := loadProject(ctx, s.store, projectID)
	if err != nil {
		return nil, err
	}
	if err := authz.Check(actor, authz.ProjectView, subjectOf(p)); err != nil {
		return nil, err
	}
	return s.store.ListExtraDocuments(ctx, projectID)
}
