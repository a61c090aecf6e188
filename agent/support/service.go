// Package support finds and ranks peer community recommendations.
package support

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/unhabit/unhabit-agent/agent/contract"
)

const (
	maxResults = 5
	searchSize = 15

	relevanceThreshold = 0.1
	titleBoost         = 1.5
	relevanceCap       = 1.0

	// Scores this close count as tied and fall through to platform rank.
	scoreEpsilon = 0.05
)

var communityKeywords = []string{
	"support", "community", "group", "forum", "recovery",
	"help", "together", "share", "accountability", "habit",
	"addiction", "sober", "quit", "members", "discussion",
}

// Heavier weight means more trusted as a peer support venue.
var platformRank = map[contract.Platform]int{
	contract.PlatformReddit:        0,
	contract.PlatformDiscord:       1,
	contract.PlatformForum:         2,
	contract.PlatformFacebookGroup: 3,
	contract.PlatformOther:         4,
}

var excludedMarkers = []string{"ad.", "/ads/", "sponsored", "shop.", "store."}

type storedResult struct {
	userID string
	result contract.CommunityResult
}

// Service searches for communities and keeps the ranked results around so
// feedback can refer to them by id. Each user's retained set is the output
// of their latest search; a new search evicts the previous one, so the map
// stays bounded at maxResults entries per user. It holds no memory access;
// feedback reaches shared memory only through the assessment agent.
type Service struct {
	search contract.SearchProvider
	now    func() time.Time
	newID  func() string

	mu          sync.Mutex
	results     map[string]*storedResult
	userResults map[string][]string
}

var _ contract.Supporter = (*Service)(nil)

func New(search contract.SearchProvider) (*Service, error) {
	if search == nil {
		return nil, fmt.Errorf("support: search provider is required")
	}
	return &Service{
		search:      search,
		now:         time.Now,
		newID:       uuid.NewString,
		results:     make(map[string]*storedResult),
		userResults: make(map[string][]string),
	}, nil
}

// Search queries the web for peer communities matching the concern and
// returns up to maxResults ranked recommendations.
func (s *Service) Search(ctx context.Context, userID, query, category string) ([]contract.CommunityResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty query", contract.ErrValidation)
	}

	raw, err := s.search.Search(ctx, buildQuery(query, category), searchSize)
	if err != nil {
		return nil, fmt.Errorf("support: community search: %w", err)
	}

	seen := make(map[string]bool)
	ranked := make([]contract.CommunityResult, 0, len(raw))
	for _, hit := range raw {
		url := strings.TrimSpace(hit.URL)
		if url == "" || seen[url] || excluded(url, hit.Title) {
			continue
		}
		seen[url] = true

		score := relevance(hit.Title, hit.Snippet)
		if score < relevanceThreshold {
			continue
		}

		ranked = append(ranked, contract.CommunityResult{
			Title:       strings.TrimSpace(hit.Title),
			URL:         url,
			Description: strings.TrimSpace(hit.Snippet),
			Platform:    classifyPlatform(url, hit.Title),
			Relevance:   score,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		diff := a.Relevance - b.Relevance
		if diff > scoreEpsilon {
			return true
		}
		if diff < -scoreEpsilon {
			return false
		}
		return platformRank[a.Platform] < platformRank[b.Platform]
	})

	if len(ranked) > maxResults {
		ranked = ranked[:maxResults]
	}

	s.mu.Lock()
	for _, id := range s.userResults[userID] {
		delete(s.results, id)
	}
	ids := make([]string, 0, len(ranked))
	for i := range ranked {
		ranked[i].ID = s.newID()
		s.results[ranked[i].ID] = &storedResult{userID: userID, result: ranked[i]}
		ids = append(ids, ranked[i].ID)
	}
	s.userResults[userID] = ids
	s.mu.Unlock()

	log.Debug().
		Str("user_id", userID).
		Int("raw", len(raw)).
		Int("ranked", len(ranked)).
		Msg("community search completed")
	return ranked, nil
}

// Feedback records the user's reaction to a recommendation. Repeated
// feedback on the same result overwrites the previous value.
func (s *Service) Feedback(ctx context.Context, userID, resultID string, value contract.FeedbackValue) (contract.Interaction, error) {
	switch value {
	case contract.FeedbackHelpful, contract.FeedbackInterested, contract.FeedbackNotRelevant:
	default:
		return contract.Interaction{}, fmt.Errorf("%w: feedback value %q", contract.ErrValidation, value)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.results[resultID]
	if !ok || stored.userID != userID {
		return contract.Interaction{}, fmt.Errorf("%w: unknown result %q", contract.ErrValidation, resultID)
	}
	stored.result.Feedback = value

	return contract.Interaction{
		UserID:    userID,
		ResultID:  resultID,
		Title:     stored.result.Title,
		Value:     value,
		CreatedAt: s.now(),
	}, nil
}

func buildQuery(query, category string) string {
	parts := []string{query}
	if c := strings.TrimSpace(category); c != "" {
		parts = append(parts, c)
	}
	parts = append(parts, "support group online community forum")
	return strings.Join(parts, " ")
}

func excluded(url, title string) bool {
	probe := strings.ToLower(url + " " + title)
	for _, marker := range excludedMarkers {
		if strings.Contains(probe, marker) {
			return true
		}
	}
	return false
}

// relevance scores a hit by community keyword density, with matches in
// the title weighted above matches in the snippet.
func relevance(title, snippet string) float64 {
	titleLower := strings.ToLower(title)
	snippetLower := strings.ToLower(snippet)

	var score float64
	for _, kw := range communityKeywords {
		if strings.Contains(titleLower, kw) {
			score += titleBoost / float64(len(communityKeywords))
		} else if strings.Contains(snippetLower, kw) {
			score += 1.0 / float64(len(communityKeywords))
		}
	}

	if score > relevanceCap {
		score = relevanceCap
	}
	return score
}

func classifyPlatform(url, title string) contract.Platform {
	probe := strings.ToLower(url + " " + title)
	switch {
	case strings.Contains(probe, "reddit.com") || strings.Contains(probe, "subreddit"):
		return contract.PlatformReddit
	case strings.Contains(probe, "discord.gg") || strings.Contains(probe, "discord.com") || strings.Contains(probe, "discord"):
		return contract.PlatformDiscord
	case strings.Contains(probe, "facebook.com/groups") || strings.Contains(probe, "facebook group"):
		return contract.PlatformFacebookGroup
	case strings.Contains(probe, "forum") || strings.Contains(probe, "board") || strings.Contains(probe, "community."):
		return contract.PlatformForum
	default:
		return contract.PlatformOther
	}
}
