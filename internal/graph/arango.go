package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/arangodb/go-driver/v2/arangodb"
	"github.com/arangodb/go-driver/v2/connection"
	"github.com/cenkalti/backoff"

	"github.com/halcyonops/halcyon/internal/models"
)

const (
	entityCollection = "entities"
	edgeCollection   = "edges"
)

// ArangoConfig holds connection parameters for the graph database.
type ArangoConfig struct {
	Endpoint string
	Database string
	Username string
	Password string
	Timeout  time.Duration
}

// ArangoStore implements Store on ArangoDB. Node identity is the sanitized
// entity key; UPSERT queries give per-key atomicity, so parallel collectors
// may write without coordination.
type ArangoStore struct {
	db     arangodb.Database
	logger *slog.Logger
}

// NewArangoStore connects to ArangoDB with exponential backoff and ensures
// the database and collections exist.
func NewArangoStore(cfg ArangoConfig, logger *slog.Logger) (*ArangoStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("arango endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	var client arangodb.Client
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxElapsedTime = cfg.Timeout

	err := backoff.Retry(func() error {
		endpoint := connection.NewRoundRobinEndpoints([]string{cfg.Endpoint})
		conn := connection.NewHttpConnection(connection.HttpConfiguration{
			Authentication: connection.NewBasicAuth(cfg.Username, cfg.Password),
			Endpoint:       endpoint,
			ContentType:    connection.ApplicationJSON,
		})
		client = arangodb.NewClient(conn)
		_, verr := client.Version(context.Background())
		return verr
	}, bo)
	if err != nil {
		return nil, fmt.Errorf("connect to arangodb at %s: %w", cfg.Endpoint, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	db, err := ensureDatabase(ctx, client, cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := ensureCollection(ctx, db, entityCollection, false); err != nil {
		return nil, err
	}
	if err := ensureCollection(ctx, db, edgeCollection, true); err != nil {
		return nil, err
	}

	logger.Info("evidence graph store ready", slog.String("endpoint", cfg.Endpoint), slog.String("database", cfg.Database))
	return &ArangoStore{db: db, logger: logger}, nil
}

func ensureDatabase(ctx context.Context, client arangodb.Client, name string) (arangodb.Database, error) {
	dbs, err := client.Databases(ctx)
	if err != nil {
		return nil, fmt.Errorf("list databases: %w", err)
	}
	for _, db := range dbs {
		if db.Name() == name {
			var options arangodb.GetDatabaseOptions
			return client.GetDatabase(ctx, name, &options)
		}
	}
	return client.CreateDatabase(ctx, name, nil)
}

func ensureCollection(ctx context.Context, db arangodb.Database, name string, edge bool) error {
	exists, err := db.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", name, err)
	}
	if exists {
		return nil
	}
	var props arangodb.CreateCollectionPropertiesV2
	if edge {
		typ := arangodb.CollectionTypeEdge
		props.Type = &typ
	}
	if _, err := db.CreateCollectionV2(ctx, name, &props); err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	return nil
}

// sanitizeKey makes an identifier valid as an ArangoDB _key.
func sanitizeKey(key string) string {
	out := make([]rune, 0, len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == ':', r == '.':
			out = append(out, r)
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}

// UpsertEntity merges an entity document keyed by the canonical entity key.
// The AQL MERGE keeps existing attributes and overwrites with incoming ones,
// matching the scalar last-writer-wins rule; set-valued attributes are
// unioned server-side.
func (s *ArangoStore) UpsertEntity(ctx context.Context, key EntityKey, attrs map[string]any) (string, error) {
	if key.Kind == "" || key.Name == "" {
		return "", fmt.Errorf("entity key requires kind and name, got %q", key)
	}
	id := key.String()
	query := `
		UPSERT { _key: @key }
		INSERT { _key: @key, id: @id, kind: @kind, attrs: @attrs }
		UPDATE { attrs: MERGE(
			OLD.attrs,
			@attrs,
			ZIP(
				@setKeys,
				(FOR k IN @setKeys RETURN SORTED_UNIQUE(UNION(OLD.attrs[k] || [], @attrs[k] || [])))
			)
		) }
		IN ` + entityCollection
	setKeys := make([]string, 0)
	for k, v := range attrs {
		if _, ok := toStringSet(v); ok {
			setKeys = append(setKeys, k)
		}
	}
	bindVars := map[string]any{
		"key":     sanitizeKey(id),
		"id":      id,
		"kind":    key.Kind,
		"attrs":   attrs,
		"setKeys": setKeys,
	}
	cursor, err := s.db.Query(ctx, query, &arangodb.QueryOptions{BindVars: bindVars})
	if err != nil {
		return "", fmt.Errorf("upsert entity %s: %w", id, err)
	}
	defer cursor.Close()
	return id, nil
}

// LinkIncidentToEntity records an incident→entity edge, idempotent on
// (incident, entity, relation).
func (s *ArangoStore) LinkIncidentToEntity(ctx context.Context, incidentID, entityID string, rel Relation, props map[string]any) error {
	if _, err := s.upsertNode(ctx, IncidentNodeID(incidentID), "Incident", map[string]any{"incident_id": incidentID}); err != nil {
		return err
	}
	return s.upsertEdge(ctx, IncidentNodeID(incidentID), entityID, rel, props)
}

// LinkEntities records an entity→entity topology edge, idempotent on
// (from, to, relation).
func (s *ArangoStore) LinkEntities(ctx context.Context, fromID, toID string, rel Relation, props map[string]any) error {
	return s.upsertEdge(ctx, fromID, toID, rel, props)
}

func (s *ArangoStore) upsertNode(ctx context.Context, id, kind string, attrs map[string]any) (string, error) {
	query := `
		UPSERT { _key: @key }
		INSERT { _key: @key, id: @id, kind: @kind, attrs: @attrs }
		UPDATE { attrs: MERGE(OLD.attrs, @attrs) }
		IN ` + entityCollection
	bindVars := map[string]any{"key": sanitizeKey(id), "id": id, "kind": kind, "attrs": attrs}
	cursor, err := s.db.Query(ctx, query, &arangodb.QueryOptions{BindVars: bindVars})
	if err != nil {
		return "", fmt.Errorf("upsert node %s: %w", id, err)
	}
	defer cursor.Close()
	return id, nil
}

func (s *ArangoStore) upsertEdge(ctx context.Context, from, to string, rel Relation, props map[string]any) error {
	query := `
		UPSERT { _from: @from, _to: @to, relation: @rel }
		INSERT { _from: @from, _to: @to, relation: @rel, props: @props }
		UPDATE { props: MERGE(OLD.props, @props) }
		IN ` + edgeCollection
	bindVars := map[string]any{
		"from":  entityCollection + "/" + sanitizeKey(from),
		"to":    entityCollection + "/" + sanitizeKey(to),
		"rel":   string(rel),
		"props": props,
	}
	cursor, err := s.db.Query(ctx, query, &arangodb.QueryOptions{BindVars: bindVars})
	if err != nil {
		return fmt.Errorf("upsert edge %s-%s->%s: %w", from, rel, to, err)
	}
	defer cursor.Close()
	return nil
}

// AttachEvidence appends an evidence node plus HAS_EVIDENCE and ABOUT edges.
func (s *ArangoStore) AttachEvidence(ctx context.Context, incidentID string, ev models.Evidence) error {
	var data any
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return fmt.Errorf("attach evidence %s: decode data: %w", ev.ID, err)
		}
	}
	evID := EvidenceNodeID(ev.ID)
	if _, err := s.upsertNode(ctx, evID, "Evidence", map[string]any{
		"evidence_type":   string(ev.EvidenceType),
		"source":          string(ev.Source),
		"signal_strength": ev.SignalStrength,
		"data":            data,
	}); err != nil {
		return err
	}
	if _, err := s.upsertNode(ctx, IncidentNodeID(incidentID), "Incident", map[string]any{"incident_id": incidentID}); err != nil {
		return err
	}
	if err := s.upsertEdge(ctx, IncidentNodeID(incidentID), evID, RelHasEvidence, nil); err != nil {
		return err
	}
	if ev.EntityName == "" {
		return nil
	}
	// Match the entity by its namespace/kind/name suffix; the evidence record
	// does not carry the cluster half of the key.
	query := `
		FOR doc IN ` + entityCollection + `
			FILTER LIKE(doc.id, @pattern)
			LIMIT 1
			UPSERT { _from: @from, _to: doc._id, relation: @rel }
			INSERT { _from: @from, _to: doc._id, relation: @rel, props: {} }
			UPDATE {}
			IN ` + edgeCollection
	bindVars := map[string]any{
		"pattern": fmt.Sprintf("%%/%s/%s/%s", ev.EntityNamespace, entityKindFor(ev.EvidenceType), ev.EntityName),
		"from":    entityCollection + "/" + sanitizeKey(evID),
		"rel":     string(RelAbout),
	}
	cursor, err := s.db.Query(ctx, query, &arangodb.QueryOptions{BindVars: bindVars})
	if err != nil {
		return fmt.Errorf("attach evidence %s: about edge: %w", ev.ID, err)
	}
	defer cursor.Close()
	return nil
}

// Subgraph walks outward from the incident node with a bounded AQL traversal.
func (s *ArangoStore) Subgraph(ctx context.Context, incidentID string, depth int) (Subgraph, error) {
	if depth <= 0 || depth > MaxSubgraphDepth {
		depth = MaxSubgraphDepth
	}
	query := `
		LET start = DOCUMENT(@@entities, @startKey)
		FOR v, e IN 1..@depth OUTBOUND start @@edges
			RETURN { node: { id: v.id, kind: v.kind, attrs: v.attrs },
			         edge: { from: DOCUMENT(e._from).id, to: DOCUMENT(e._to).id, relation: e.relation, props: e.props } }
	`
	bindVars := map[string]any{
		"@entities": entityCollection,
		"@edges":    edgeCollection,
		"startKey":  sanitizeKey(IncidentNodeID(incidentID)),
		"depth":     depth,
	}
	cursor, err := s.db.Query(ctx, query, &arangodb.QueryOptions{BindVars: bindVars})
	if err != nil {
		return Subgraph{}, fmt.Errorf("subgraph %s: %w", incidentID, err)
	}
	defer cursor.Close()

	var out Subgraph
	seen := make(map[string]struct{})
	for cursor.HasMore() {
		var row struct {
			Node Node `json:"node"`
			Edge Edge `json:"edge"`
		}
		if _, err := cursor.ReadDocument(ctx, &row); err != nil {
			return Subgraph{}, fmt.Errorf("subgraph %s: read: %w", incidentID, err)
		}
		if _, ok := seen[row.Node.ID]; !ok {
			seen[row.Node.ID] = struct{}{}
			out.Nodes = append(out.Nodes, row.Node)
		}
		out.Edges = append(out.Edges, row.Edge)
	}
	return out, nil
}
