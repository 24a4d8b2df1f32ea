// Package mongodb is a document transport for one MongoDB database. The
// endpoint is a mongodb:// or mongodb+srv:// URI. Filters and documents are
// plain records; results are returned with ObjectIDs as hex strings and dates
// as time.Time.
//
// A credential token is used as the password of the URI user. With
// auth_mechanism MONGODB-OIDC it is instead served as the OIDC access token,
// read again whenever the driver reauthenticates.
package mongodb

import (
	"context"
	stderrors "errors"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/ajitpratap0/actuator/pkg/config"
	"github.com/ajitpratap0/actuator/pkg/connector/core"
	"github.com/ajitpratap0/actuator/pkg/credential"
	"github.com/ajitpratap0/actuator/pkg/errors"
)

// Name is the registry name of the transport.
const Name = "mongodb"

const oidcMechanism = "MONGODB-OIDC"

// Options are read from settings.options.
type Options struct {
	Database               string        `mapstructure:"database" validate:"required"`
	Collection             string        `mapstructure:"collection"`
	Username               string        `mapstructure:"username"`
	AuthSource             string        `mapstructure:"auth_source"`
	AuthMechanism          string        `mapstructure:"auth_mechanism"`
	ServerSelectionTimeout time.Duration `mapstructure:"server_selection_timeout" validate:"gte=0"`
	MaxPoolSize            uint64        `mapstructure:"max_pool_size"`
}

// Transport opens clients on one database.
type Transport struct {
	uri    string
	opts   Options
	logger *zap.Logger
}

// New creates a transport for uri.
func New(uri string, opts Options, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{uri: uri, opts: opts, logger: logger}
}

// Name implements core.Transport
func (t *Transport) Name() string { return Name }

// Actions implements core.Transport
func (t *Transport) Actions() []core.ActionSpec {
	coll := config.Field{Kind: config.KindString, Description: "defaults to options.collection"}
	filter := config.Field{Kind: config.KindRecord, Default: map[string]any{}}
	return []core.ActionSpec{
		{Name: "ping", Description: "ping the primary", Idempotent: true},
		{Name: "find_one", Description: "return the first matching document", Idempotent: true,
			Params: config.Schema{Fields: map[string]config.Field{"collection": coll, "filter": filter}}},
		{Name: "find", Description: "return matching documents", Idempotent: true,
			Params: config.Schema{Fields: map[string]config.Field{
				"collection": coll,
				"filter":     filter,
				"sort":       {Kind: config.KindRecord},
				"limit":      {Kind: config.KindInt, Default: 100},
			}}},
		{Name: "insert_one", Description: "insert a document",
			Params: config.Schema{Fields: map[string]config.Field{
				"collection": coll,
				"document":   {Kind: config.KindRecord, Required: true},
			}}},
		{Name: "update_one", Description: "apply an update document to the first match",
			Params: config.Schema{Fields: map[string]config.Field{
				"collection": coll,
				"filter":     filter,
				"update":     {Kind: config.KindRecord, Required: true},
				"upsert":     {Kind: config.KindBool, Default: false},
			}}},
		{Name: "delete_one", Description: "delete the first matching document", Idempotent: true,
			Params: config.Schema{Fields: map[string]config.Field{"collection": coll, "filter": filter}}},
		{Name: "count", Description: "count matching documents", Idempotent: true,
			Params: config.Schema{Fields: map[string]config.Field{"collection": coll, "filter": filter}}},
	}
}

func (t *Transport) clientOptions(creds core.CredentialSource) *options.ClientOptions {
	opts := options.Client().ApplyURI(t.uri).SetRetryWrites(false).SetRetryReads(false)
	if t.opts.ServerSelectionTimeout > 0 {
		opts.SetServerSelectionTimeout(t.opts.ServerSelectionTimeout)
	}
	if t.opts.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(t.opts.MaxPoolSize)
	}
	if creds == nil || creds.Current().Token == "" {
		return opts
	}

	auth := options.Credential{AuthSource: t.opts.AuthSource, AuthMechanism: t.opts.AuthMechanism}
	if opts.Auth != nil {
		auth.Username = opts.Auth.Username
		if auth.AuthSource == "" {
			auth.AuthSource = opts.Auth.AuthSource
		}
	}
	if t.opts.Username != "" {
		auth.Username = t.opts.Username
	}
	if t.opts.AuthMechanism == oidcMechanism {
		auth.OIDCMachineCallback = func(context.Context, *options.OIDCArgs) (*options.OIDCCredential, error) {
			token := creds.Current().Token
			if token == "" {
				return nil, errors.Conn(errors.KindAuthExpired, "no OIDC access token available", nil)
			}
			return &options.OIDCCredential{AccessToken: token}, nil
		}
	} else {
		auth.Password = creds.Current().Token
		auth.PasswordSet = true
	}
	return opts.SetAuth(auth)
}

// Dial creates the client. Servers are contacted on the first action.
func (t *Transport) Dial(ctx context.Context, creds core.CredentialSource) (core.Session, error) {
	client, err := mongo.Connect(ctx, t.clientOptions(creds))
	if err != nil {
		return nil, errors.Conn(errors.KindCannotOpen, "invalid mongodb URI or options", err)
	}
	t.logger.Debug("mongodb client created", zap.String("database", t.opts.Database))
	return &session{client: client, db: client.Database(t.opts.Database), collection: t.opts.Collection}, nil
}

type session struct {
	client     *mongo.Client
	db         *mongo.Database
	collection string
}

func (s *session) coll(req *core.Request) (*mongo.Collection, error) {
	name := req.String("collection")
	if name == "" {
		name = s.collection
	}
	if name == "" {
		return nil, errors.Action(errors.KindBadRequest, "no collection given and options.collection is not set")
	}
	return s.db.Collection(name), nil
}

func (s *session) Do(ctx context.Context, req *core.Request, _ credential.Credential) (any, error) {
	if req.Operation == "ping" {
		if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
			return nil, classify("ping", err)
		}
		return "pong", nil
	}

	coll, err := s.coll(req)
	if err != nil {
		return nil, err
	}
	filter := Filter(req.Map("filter"))

	switch req.Operation {
	case "find_one":
		var doc bson.M
		err := coll.FindOne(ctx, filter).Decode(&doc)
		if stderrors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		if err != nil {
			return nil, classify("find_one", err)
		}
		return Plain(doc), nil

	case "find":
		opts := options.Find()
		if limit := req.Int("limit"); limit > 0 {
			opts.SetLimit(limit)
		}
		if keys := req.Map("sort"); len(keys) > 0 {
			opts.SetSort(sortSpec(keys))
		}
		cur, err := coll.Find(ctx, filter, opts)
		if err != nil {
			return nil, classify("find", err)
		}
		var docs []bson.M
		if err := cur.All(ctx, &docs); err != nil {
			return nil, classify("find", err)
		}
		out := make([]any, 0, len(docs))
		for _, doc := range docs {
			out = append(out, Plain(doc))
		}
		return out, nil

	case "insert_one":
		doc := req.Map("document")
		if doc == nil {
			return nil, errors.Action(errors.KindBadRequest, "parameter document is required")
		}
		res, err := coll.InsertOne(ctx, Filter(doc))
		if err != nil {
			return nil, classify("insert_one", err)
		}
		return map[string]any{"inserted_id": Plain(res.InsertedID)}, nil

	case "update_one":
		update := req.Map("update")
		if update == nil {
			return nil, errors.Action(errors.KindBadRequest, "parameter update is required")
		}
		res, err := coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(req.Bool("upsert")))
		if err != nil {
			return nil, classify("update_one", err)
		}
		out := map[string]any{"matched": res.MatchedCount, "modified": res.ModifiedCount}
		if res.UpsertedID != nil {
			out["upserted_id"] = Plain(res.UpsertedID)
		}
		return out, nil

	case "delete_one":
		res, err := coll.DeleteOne(ctx, filter)
		if err != nil {
			return nil, classify("delete_one", err)
		}
		return res.DeletedCount, nil

	case "count":
		n, err := coll.CountDocuments(ctx, filter)
		if err != nil {
			return nil, classify("count", err)
		}
		return n, nil

	default:
		return nil, errors.Action(errors.KindUnknownAction, "mongodb transport does not support "+req.Operation)
	}
}

func (s *session) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// sortSpec orders sort keys by name; records carry no key order.
func sortSpec(keys map[string]any) bson.D {
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)
	spec := make(bson.D, 0, len(names))
	for _, k := range names {
		spec = append(spec, bson.E{Key: k, Value: keys[k]})
	}
	return spec
}

// Filter copies m, turning an "_id" holding a 24 digit hex string into an
// ObjectID.
func Filter(m map[string]any) bson.M {
	out := bson.M{}
	for k, v := range m {
		out[k] = v
	}
	if hex, ok := out["_id"].(string); ok {
		if id, err := primitive.ObjectIDFromHex(hex); err == nil {
			out["_id"] = id
		}
	}
	return out
}

// Plain converts driver values into plain Go values.
func Plain(v any) any {
	switch x := v.(type) {
	case bson.M:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = Plain(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = Plain(val)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(x))
		for _, e := range x {
			out[e.Key] = Plain(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = Plain(val)
		}
		return out
	case primitive.ObjectID:
		return x.Hex()
	case primitive.DateTime:
		return x.Time().UTC()
	case primitive.Decimal128:
		return x.String()
	default:
		return v
	}
}
