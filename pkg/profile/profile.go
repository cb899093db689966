// Package profile resolves user ids to display names and photos through a
// small session-lifetime cache over the hosted profile collection.
package profile

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// Profile is one user's public directory entry.
type Profile struct {
	ID          string `bson:"_id"`
	DisplayName string `bson:"displayName"`
	PhotoURL    string `bson:"photoUrl"`
}

// Placeholder is the display name used when a lookup fails or the user has
// no profile document. Lookup failures are never fatal.
const Placeholder = "Unknown user"

// lookupBatchSize is the hosted store's cap on ids per "in" query.
const lookupBatchSize = 10

// Directory is the batched lookup backend. Implementations must tolerate
// unknown ids by simply omitting them from the result.
type Directory interface {
	Lookup(ctx context.Context, ids []string) ([]Profile, error)
}

// MongoDirectory reads the `users` collection.
type MongoDirectory struct {
	coll *mongo.Collection
}

var _ Directory = (*MongoDirectory)(nil)

func NewMongoDirectory(db *mongo.Database) *MongoDirectory {
	return &MongoDirectory{coll: db.Collection("users")}
}

func (d *MongoDirectory) Lookup(ctx context.Context, ids []string) ([]Profile, error) {
	cursor, err := d.coll.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("failed to query profiles: %w", err)
	}
	defer cursor.Close(ctx)
	var profiles []Profile
	for cursor.Next(ctx) {
		var p Profile
		if err = cursor.Decode(&p); err != nil {
			return nil, fmt.Errorf("failed to decode profile document: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, cursor.Err()
}

// Cache is an in-memory id→profile map populated by batched directory
// lookups. Entries live for the whole process: the set of senders a user
// chats with in one session is small, so no eviction is needed.
type Cache struct {
	dir Directory
	log zerolog.Logger

	mu   sync.RWMutex
	byID map[string]Profile
}

func NewCache(dir Directory, log zerolog.Logger) *Cache {
	return &Cache{
		dir:  dir,
		log:  log.With().Str("component", "profile").Logger(),
		byID: make(map[string]Profile),
	}
}

// Resolve returns a profile for every requested id. Missing or failed
// lookups fall back to a placeholder entry, so the result always has one
// entry per input id.
func (c *Cache) Resolve(ctx context.Context, ids []string) map[string]Profile {
	result := make(map[string]Profile, len(ids))
	var missing []string
	c.mu.RLock()
	for _, id := range ids {
		if p, ok := c.byID[id]; ok {
			result[id] = p
		} else {
			missing = append(missing, id)
		}
	}
	c.mu.RUnlock()

	for i := 0; i < len(missing); i += lookupBatchSize {
		end := i + lookupBatchSize
		if end > len(missing) {
			end = len(missing)
		}
		batch := missing[i:end]
		profiles, err := c.dir.Lookup(ctx, batch)
		if err != nil {
			// Non-fatal: placeholders are filled in below and the ids stay
			// uncached so a later resolve retries.
			c.log.Warn().Err(err).Int("batch_size", len(batch)).
				Msg("Profile lookup failed, using placeholder names")
			continue
		}
		c.mu.Lock()
		for _, p := range profiles {
			if p.DisplayName == "" {
				p.DisplayName = Placeholder
			}
			c.byID[p.ID] = p
			result[p.ID] = p
		}
		// Ids with no profile document are cached as placeholders too:
		// the lookup succeeded, re-querying them won't help.
		for _, id := range batch {
			if _, ok := result[id]; !ok {
				p := Profile{ID: id, DisplayName: Placeholder}
				c.byID[id] = p
				result[id] = p
			}
		}
		c.mu.Unlock()
	}

	for _, id := range ids {
		if _, ok := result[id]; !ok {
			result[id] = Profile{ID: id, DisplayName: Placeholder}
		}
	}
	return result
}

// DisplayName resolves a single id, falling back to the placeholder.
func (c *Cache) DisplayName(ctx context.Context, id string) string {
	return c.Resolve(ctx, []string{id})[id].DisplayName
}
