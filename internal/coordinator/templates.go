package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/velesio/atrium/internal/domain"
	"github.com/velesio/atrium/internal/store"
)

// TemplateHandler answers tag and template queries for the web layer and
// the coordinator's diagnostics.
type TemplateHandler struct {
	store store.Store
}

func NewTemplateHandler(st store.Store) *TemplateHandler {
	return &TemplateHandler{store: st}
}

// GetAll lists every template.
func (th *TemplateHandler) GetAll(ctx context.Context) ([]*domain.Template, error) {
	return th.store.ListTemplates(ctx)
}

// GetAllTags lists every tag.
func (th *TemplateHandler) GetAllTags(ctx context.Context) ([]*domain.Tag, error) {
	return th.store.ListTags(ctx)
}

// GetTagsByString resolves tag names to tags. Missing names become nil
// slots; callers tolerate this.
func (th *TemplateHandler) GetTagsByString(ctx context.Context, names []string) ([]*domain.Tag, error) {
	tags := make([]*domain.Tag, 0, len(names))
	for _, name := range names {
		tag, err := th.store.GetTagByName(ctx, name)
		if errors.Is(err, store.ErrNotFound) {
			tags = append(tags, nil)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get tag %q: %w", name, err)
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

// GetTagsContainingStringAnycase filters tags by case-insensitive substring.
func (th *TemplateHandler) GetTagsContainingStringAnycase(ctx context.Context, substr string) ([]*domain.Tag, error) {
	all, err := th.store.ListTags(ctx)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(substr)
	var out []*domain.Tag
	for _, tag := range all {
		if strings.Contains(strings.ToLower(tag.Name), needle) {
			out = append(out, tag)
		}
	}
	return out, nil
}

// GetTagsCompatibleWithTags returns, for every template whose tag set covers
// the input, the union of its remaining tags. Drives progressive tag
// selection in the UI.
func (th *TemplateHandler) GetTagsCompatibleWithTags(ctx context.Context, input []*domain.Tag) ([]*domain.Tag, error) {
	inputIDs := make(map[string]bool, len(input))
	for _, tag := range input {
		if tag != nil {
			inputIDs[tag.ID] = true
		}
	}

	templates, err := th.store.ListTemplates(ctx)
	if err != nil {
		return nil, err
	}

	compatible := make(map[string]*domain.Tag)
	for _, t := range templates {
		covered := true
		for id := range inputIDs {
			if !t.HasTag(id) {
				covered = false
				break
			}
		}
		if !covered {
			continue
		}
		for _, tagID := range t.TagIDs {
			if inputIDs[tagID] {
				continue
			}
			if _, seen := compatible[tagID]; seen {
				continue
			}
			tag, err := th.store.GetTag(ctx, tagID)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("get tag %s: %w", tagID, err)
			}
			compatible[tagID] = tag
		}
	}

	out := make([]*domain.Tag, 0, len(compatible))
	for _, tag := range compatible {
		out = append(out, tag)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// TagNames extracts names, skipping nil slots.
func (th *TemplateHandler) TagNames(tags []*domain.Tag) []string {
	names := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag != nil {
			names = append(names, tag.Name)
		}
	}
	return names
}
