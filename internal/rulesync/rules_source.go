package rulesync

import (
	"context"
	"fmt"

	"google.golang.org/api/firebaserules/v1"
	"google.golang.org/api/option"
)

const rulesFileName = "firestore.rules"

// RulesSource reads and publishes the Firestore security rules through the
// Firebase Rules API.
type RulesSource struct {
	svc     *firebaserules.Service
	project string
}

func NewRulesSource(ctx context.Context, project string, opts ...option.ClientOption) (*RulesSource, error) {
	svc, err := firebaserules.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create firebase rules client: %w", err)
	}
	return &RulesSource{svc: svc, project: project}, nil
}

func (r *RulesSource) Name() string { return "firestore.rules" }

func (r *RulesSource) releaseName() string {
	return "projects/" + r.project + "/releases/cloud.firestore"
}

func (r *RulesSource) Fetch(ctx context.Context) ([]byte, error) {
	release, err := r.svc.Projects.Releases.Get(r.releaseName()).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get release: %w", err)
	}
	ruleset, err := r.svc.Projects.Rulesets.Get(release.RulesetName).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get ruleset %s: %w", release.RulesetName, err)
	}
	if ruleset.Source == nil || len(ruleset.Source.Files) == 0 {
		return nil, fmt.Errorf("ruleset %s has no files", release.RulesetName)
	}
	for _, f := range ruleset.Source.Files {
		if f.Name == rulesFileName {
			return []byte(f.Content), nil
		}
	}
	return []byte(ruleset.Source.Files[0].Content), nil
}

// Deploy creates a ruleset from content and points the Firestore release at it.
func (r *RulesSource) Deploy(ctx context.Context, content []byte) error {
	ruleset, err := r.svc.Projects.Rulesets.Create("projects/"+r.project, &firebaserules.Ruleset{
		Source: &firebaserules.Source{
			Files: []*firebaserules.File{{Name: rulesFileName, Content: string(content)}},
		},
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("create ruleset: %w", err)
	}

	_, err = r.svc.Projects.Releases.Patch(r.releaseName(), &firebaserules.UpdateReleaseRequest{
		Release: &firebaserules.Release{
			Name:        r.releaseName(),
			RulesetName: ruleset.Name,
		},
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("update release to %s: %w", ruleset.Name, err)
	}
	return nil
}
