package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/sync-state-bridge/internal/types"
	"github.com/example/sync-state-bridge/internal/ws"
)

const (
	defaultTTL           = 45 * time.Second
	defaultChannelPrefix = "presence:doc:"
	scanBatchSize        = 100
)

// Entry records that a replica is attached to a document.
type Entry struct {
	Document     types.DocumentID  `json:"document_id"`
	Client       string            `json:"client_id"`
	Instance     string            `json:"instance"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	SeenAt       time.Time         `json:"seen_at"`
	Disconnected bool              `json:"disconnected,omitempty"`
}

// Service tracks which replicas are connected to each document. Entries live
// in Redis with a TTL refreshed by heartbeats, and changes are published so
// every instance keeps a local roster.
type Service struct {
	client   *redis.Client
	logger   zerolog.Logger
	instance string

	ttl           time.Duration
	channelPrefix string

	mu     sync.RWMutex
	roster map[types.DocumentID]map[string]Entry
}

// NewService constructs a presence service backed by Redis. instance names
// the server process entries are recorded by.
func NewService(client *redis.Client, instance string, logger zerolog.Logger) *Service {
	return &Service{
		client:        client,
		logger:        logger,
		instance:      instance,
		ttl:           defaultTTL,
		channelPrefix: defaultChannelPrefix,
		roster:        make(map[types.DocumentID]map[string]Entry),
	}
}

// Start begins background maintenance goroutines.
func (s *Service) Start(ctx context.Context) {
	go s.subscribe(ctx)
	go s.expireLoop(ctx)
}

// Hooks returns connection hooks that keep the roster current for every
// gateway connection.
func (s *Service) Hooks() ws.Hooks {
	return ws.Hooks{
		OnConnect: func(ctx context.Context, conn *ws.Connection) error {
			entry := Entry{Document: conn.DocumentID(), Client: conn.ClientID(), Metadata: conn.Metadata()}
			if err := s.Join(ctx, entry); err != nil {
				return err
			}
			go s.heartbeat(ctx, entry)
			return nil
		},
		OnDisconnect: func(conn *ws.Connection) {
			s.Leave(context.Background(), conn.DocumentID(), conn.ClientID())
		},
	}
}

// Join persists and announces a presence entry.
func (s *Service) Join(ctx context.Context, entry Entry) error {
	if entry.Document == "" || entry.Client == "" {
		return errors.New("presence entry missing identifiers")
	}
	entry.Instance = s.instance
	entry.SeenAt = time.Now().UTC()
	entry.Disconnected = false

	if err := s.persist(ctx, entry); err != nil {
		return err
	}
	s.recordLocal(entry)
	if err := s.publish(ctx, entry); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish presence update")
	}
	return nil
}

// Leave removes the entry of a client and notifies peers.
func (s *Service) Leave(ctx context.Context, documentID types.DocumentID, client string) {
	if documentID == "" || client == "" {
		return
	}
	removal := Entry{Document: documentID, Client: client, Instance: s.instance, SeenAt: time.Now().UTC(), Disconnected: true}
	s.recordLocal(removal)

	if s.client == nil {
		return
	}
	key := s.presenceKey(documentID, client)
	if err := s.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to delete presence key")
	}
	if err := s.publish(ctx, removal); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish presence removal")
	}
}

// Local returns the roster this instance knows of, sorted by client.
func (s *Service) Local(documentID types.DocumentID) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]Entry, 0, len(s.roster[documentID]))
	for _, entry := range s.roster[documentID] {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Client < entries[j].Client })
	return entries
}

// Roster loads the current presence roster for a document from Redis,
// falling back to the local roster when Redis is not configured.
func (s *Service) Roster(ctx context.Context, documentID types.DocumentID) ([]Entry, error) {
	if s.client == nil {
		return s.Local(documentID), nil
	}

	iter := s.client.Scan(ctx, 0, s.presenceKey(documentID, "*"), scanBatchSize).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch presence values: %w", err)
	}

	entries := make([]Entry, 0, len(values))
	for _, raw := range values {
		strVal, ok := raw.(string)
		if !ok || strVal == "" {
			continue
		}
		entry, err := decodeEntry(strVal)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to decode presence value")
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Client < entries[j].Client })
	return entries, nil
}

func (s *Service) heartbeat(ctx context.Context, entry Entry) {
	ticker := time.NewTicker(s.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			entry.SeenAt = time.Now().UTC()
			if err := s.persist(ctx, entry); err != nil {
				s.logger.Debug().Err(err).Str("client", entry.Client).Msg("presence heartbeat failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) expireLoop(ctx context.Context) {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.pruneExpired(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) pruneExpired(ctx context.Context) {
	if s.client == nil {
		return
	}

	s.mu.RLock()
	known := make(map[types.DocumentID][]string, len(s.roster))
	for doc, clients := range s.roster {
		for client := range clients {
			known[doc] = append(known[doc], client)
		}
	}
	s.mu.RUnlock()

	for doc, clients := range known {
		for _, client := range clients {
			exists, err := s.client.Exists(ctx, s.presenceKey(doc, client)).Result()
			if err != nil {
				s.logger.Warn().Err(err).Msg("failed to check presence ttl")
				continue
			}
			if exists == 0 {
				s.logger.Debug().Str("document", string(doc)).Str("client", client).Msg("presence expired")
				s.recordLocal(Entry{Document: doc, Client: client, Disconnected: true})
			}
		}
	}
}

func (s *Service) subscribe(ctx context.Context) {
	if s.client == nil {
		return
	}
	pubsub := s.client.PSubscribe(ctx, s.channelPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(128))
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.handleMessage(msg.Payload)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) handleMessage(payload string) {
	entry, err := decodeEntry(payload)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to decode presence broadcast")
		return
	}
	if entry.Instance == s.instance {
		return
	}
	s.recordLocal(entry)
}

func (s *Service) recordLocal(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	roster, ok := s.roster[entry.Document]
	if entry.Disconnected {
		if !ok {
			return
		}
		delete(roster, entry.Client)
		if len(roster) == 0 {
			delete(s.roster, entry.Document)
		}
		return
	}
	if !ok {
		roster = make(map[string]Entry)
		s.roster[entry.Document] = roster
	}
	roster[entry.Client] = entry
}

func (s *Service) persist(ctx context.Context, entry Entry) error {
	if s.client == nil {
		return nil
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := s.client.Set(ctx, s.presenceKey(entry.Document, entry.Client), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("cache presence: %w", err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, entry Entry) error {
	if s.client == nil {
		return nil
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal presence update: %w", err)
	}
	return s.client.Publish(ctx, s.channel(entry.Document), payload).Err()
}

func (s *Service) presenceKey(documentID types.DocumentID, client string) string {
	return fmt.Sprintf("%s%s:client:%s", s.channelPrefix, documentID, client)
}

func (s *Service) channel(documentID types.DocumentID) string {
	return s.channelPrefix + string(documentID)
}

func decodeEntry(payload string) (Entry, error) {
	var entry Entry
	if err := json.Unmarshal([]byte(payload), &entry); err != nil {
		return Entry{}, err
	}
	if entry.Document == "" || entry.Client == "" {
		return Entry{}, errors.New("presence entry missing identifiers")
	}
	return entry, nil
}
