package files

import (
	"context"
	"strings"

	"github.com/fmkit/filemanager/internal/auth"
	"github.com/fmkit/filemanager/internal/domain"
	"github.com/fmkit/filemanager/internal/fmerr"
	"github.com/fmkit/filemanager/internal/hook"
)

// LinkInput creates a link. LinkedField defaults to domain.DefaultLinkedField.
type LinkInput struct {
	LinkedEntityType string `json:"linked_entity_type"`
	LinkedEntityUID  string `json:"linked_entity_uid"`
	LinkedField      string `json:"linked_field,omitempty"`
}

func (s *Service) linkTarget(ctx context.Context, actor auth.Actor, uid string) (*domain.File, error) {
	if !s.linksEnabled {
		return nil, fmerr.NotFound("links are disabled")
	}
	if err := auth.RequireAdmin(actor); err != nil {
		return nil, err
	}
	return s.get(ctx, uid)
}

func (s *Service) ListLinks(ctx context.Context, actor auth.Actor, uid string) ([]*domain.Link, error) {
	if _, err := s.linkTarget(ctx, actor, uid); err != nil {
		return nil, err
	}
	links, err := s.records.ListLinks(ctx, uid)
	if err != nil {
		return nil, storeError(err, "link")
	}
	return links, nil
}

func (s *Service) CreateLink(ctx context.Context, actor auth.Actor, uid string, in LinkInput) (*domain.Link, error) {
	in.LinkedEntityType = strings.TrimSpace(in.LinkedEntityType)
	in.LinkedEntityUID = strings.TrimSpace(in.LinkedEntityUID)
	in.LinkedField = strings.TrimSpace(in.LinkedField)

	d := fmerr.Details{}
	if in.LinkedEntityType == "" {
		d.Add("linked_entity_type", "is required")
	}
	if in.LinkedEntityUID == "" {
		d.Add("linked_entity_uid", "is required")
	}
	if !d.Empty() {
		return nil, fmerr.Validation("invalid link", d)
	}
	if in.LinkedField == "" {
		in.LinkedField = domain.DefaultLinkedField
	}

	if _, err := s.linkTarget(ctx, actor, uid); err != nil {
		return nil, err
	}
	l := &domain.Link{
		UID:              s.newUID(),
		FileUID:          uid,
		LinkedEntityType: in.LinkedEntityType,
		LinkedEntityUID:  in.LinkedEntityUID,
		LinkedField:      in.LinkedField,
		CreatedAt:        s.now().UTC(),
	}
	if err := s.records.CreateLink(ctx, l); err != nil {
		return nil, storeError(err, "link")
	}
	s.committed(ctx, actor, hook.ActionLinkCreate, uid, false)
	return l, nil
}

func (s *Service) DeleteLink(ctx context.Context, actor auth.Actor, uid, linkUID string) error {
	if _, err := s.linkTarget(ctx, actor, uid); err != nil {
		return err
	}
	if err := s.records.DeleteLink(ctx, uid, linkUID); err != nil {
		return storeError(err, "link")
	}
	s.committed(ctx, actor, hook.ActionLinkDelete, uid, false)
	return nil
}
