package pipeline

import (
	"context"
	"strings"

	"github.com/pitabwire/util"
)

// maxRelevantFiles caps how many scouted paths are fetched for context.
const maxRelevantFiles = 10

// uiPathHints drive the degraded-mode scout: when relevance ranking is
// unavailable, any path containing one of these (case-insensitive) is
// treated as likely frontend source.
var uiPathHints = []string{
	".tsx", ".jsx", ".ts", ".js", ".css", ".scss", ".styled",
	"component", "button", "modal", "page",
}

// scoutFiles asks the reasoning gateway to rank tree paths by relevance.
// A ranking failure degrades to the path heuristic instead of aborting;
// the returned flag reports that degradation.
func (p *Pipeline) scoutFiles(ctx context.Context, paths []string, description string) ([]string, bool) {
	log := util.Log(ctx)

	relevant, err := p.reasoner.RankRelevantFiles(ctx, paths, description)
	if err != nil {
		log.WithError(err).Warn("file scouting failed, using path heuristic")
		return heuristicScout(paths), true
	}

	if len(relevant) > maxRelevantFiles {
		relevant = relevant[:maxRelevantFiles]
	}
	return relevant, false
}

// heuristicScout filters tree paths to likely UI sources, keeping tree
// order, skipping vendored dependencies, and capping at the scout limit.
func heuristicScout(paths []string) []string {
	selected := make([]string, 0, maxRelevantFiles)

	for _, p := range paths {
		lower := strings.ToLower(p)
		if strings.Contains(lower, "node_modules") {
			continue
		}

		for _, hint := range uiPathHints {
			if strings.Contains(lower, hint) {
				selected = append(selected, p)
				break
			}
		}

		if len(selected) >= maxRelevantFiles {
			break
		}
	}

	return selected
}
