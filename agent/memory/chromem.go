package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/unhabit/unhabit-agent/agent/contract"
)

type ChromemConfig struct {
	PersistDir      string        `envconfig:"PERSIST_DIR" split_words:"true"`
	EmbedBaseURL    string        `envconfig:"EMBED_BASE_URL" split_words:"true" default:"https://api.openai.com/v1"`
	EmbedAPIKey     string        `envconfig:"EMBED_API_KEY" split_words:"true"`
	EmbedModel      string        `envconfig:"EMBED_MODEL" split_words:"true" default:"text-embedding-3-small"`
	RecencyWeight   float64       `envconfig:"RECENCY_WEIGHT" split_words:"true" default:"0.1"`
	RecencyHalfLife time.Duration `envconfig:"RECENCY_HALF_LIFE" split_words:"true" default:"168h"`
}

// ChromemIndex stores records in per-user chromem collections, one per
// (collection, user) pair so reads never cross user boundaries.
type ChromemIndex struct {
	conf  ChromemConfig
	db    *chromem.DB
	embed chromem.EmbeddingFunc
	now   func() time.Time

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

var _ Index = (*ChromemIndex)(nil)

func NewChromemIndex(conf ChromemConfig) (*ChromemIndex, error) {
	var db *chromem.DB
	if conf.PersistDir != "" {
		var err error
		db, err = chromem.NewPersistentDB(conf.PersistDir, false)
		if err != nil {
			return nil, fmt.Errorf("memory: open persistent store: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	embed := localEmbeddingFunc()
	if conf.EmbedAPIKey != "" {
		embed = chromem.NewEmbeddingFuncOpenAICompat(conf.EmbedBaseURL, conf.EmbedAPIKey, conf.EmbedModel, nil)
	}

	return &ChromemIndex{
		conf:        conf,
		db:          db,
		embed:       embed,
		now:         time.Now,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func (x *ChromemIndex) Upsert(ctx context.Context, col contract.Collection, rec contract.Record) error {
	if rec.ID == "" || rec.UserID == "" {
		return fmt.Errorf("%w: record needs id and user id", contract.ErrValidation)
	}

	c, err := x.collection(col, rec.UserID)
	if err != nil {
		return err
	}

	meta := make(map[string]string, len(rec.Metadata)+2)
	for k, v := range rec.Metadata {
		meta[k] = v
	}
	meta["user_id"] = rec.UserID
	meta["created_at"] = rec.CreatedAt.Format(time.RFC3339Nano)

	if err := c.AddDocument(ctx, chromem.Document{
		ID:       rec.ID,
		Content:  rec.Text,
		Metadata: meta,
	}); err != nil {
		return fmt.Errorf("memory: upsert %s/%s: %w", col, rec.ID, err)
	}
	return nil
}

// Search returns up to topK records ordered by similarity blended with a
// recency bonus that decays with the record's age.
func (x *ChromemIndex) Search(ctx context.Context, col contract.Collection, userID, query string, topK int) ([]contract.Record, error) {
	if topK < 1 {
		return nil, nil
	}

	c, err := x.collection(col, userID)
	if err != nil {
		return nil, err
	}

	n := c.Count()
	if n == 0 {
		return nil, nil
	}
	if topK < n {
		n = topK
	}

	if strings.TrimSpace(query) == "" {
		query = string(col)
	}

	hits, err := c.Query(ctx, query, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("memory: query %s: %w", col, err)
	}

	now := x.now()
	out := make([]contract.Record, 0, len(hits))
	for _, h := range hits {
		rec := contract.Record{
			ID:     h.ID,
			UserID: userID,
			Text:   h.Content,
			Score:  float64(h.Similarity),
		}

		meta := make(map[string]string, len(h.Metadata))
		for k, v := range h.Metadata {
			switch k {
			case "user_id":
			case "created_at":
				if t, perr := time.Parse(time.RFC3339Nano, v); perr == nil {
					rec.CreatedAt = t
				}
			default:
				meta[k] = v
			}
		}
		if len(meta) > 0 {
			rec.Metadata = meta
		}

		if !rec.CreatedAt.IsZero() && x.conf.RecencyWeight > 0 && x.conf.RecencyHalfLife > 0 {
			age := now.Sub(rec.CreatedAt)
			rec.Score += x.conf.RecencyWeight * math.Exp(-float64(age)/float64(x.conf.RecencyHalfLife))
		}
		out = append(out, rec)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func (x *ChromemIndex) Drop(_ context.Context, col contract.Collection, userID string) error {
	name := collectionName(col, userID)

	x.mu.Lock()
	delete(x.collections, name)
	x.mu.Unlock()

	if err := x.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("memory: drop %s: %w", name, err)
	}
	return nil
}

func (x *ChromemIndex) collection(col contract.Collection, userID string) (*chromem.Collection, error) {
	name := collectionName(col, userID)

	x.mu.RLock()
	c, ok := x.collections[name]
	x.mu.RUnlock()
	if ok {
		return c, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if c, ok := x.collections[name]; ok {
		return c, nil
	}

	c, err := x.db.GetOrCreateCollection(name, nil, x.embed)
	if err != nil {
		return nil, fmt.Errorf("memory: create collection %s: %w", name, err)
	}
	x.collections[name] = c
	return c, nil
}

func collectionName(col contract.Collection, userID string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, userID)
	return string(col) + "_" + sanitized
}
