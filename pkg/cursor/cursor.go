// Package cursor implements opaque, stateless resumption tokens for
// ordered result pages (spec.md §4.7 and §6: "stable ordered cursors
// encoded as opaque tokens {pk, collection, sort-key, version} so
// clients may resume range/graph/vector scans without server-side
// state"). Grounded on the teacher's pkg/manager.TokenManager/JoinToken
// pair: a token carries an explicit version and optional expiry and is
// checked the same way (issue, validate, expire) — narrowed here to a
// pure encode/decode pair since a cursor carries its own resumption
// state instead of being looked up in a server-side map.
package cursor

import (
	"encoding/base64"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/themisdb/themis/pkg/errs"
	"github.com/themisdb/themis/pkg/types"
)

// Version is the current token wire version. A decoded token carrying
// any other version is invalid (spec.md §6: "unknown version ⇒ token
// invalid"), since a schema/index rebuild bumps this constant.
const Version int64 = 1

// Token is the decoded form of a cursor: the position a paged scan
// should resume strictly after (ASC) or strictly before (DESC).
type Token struct {
	Version    int64
	IndexName  string
	Collection string
	SortKey    []byte
	PK         types.PK
	Desc       bool
	ExpiresAt  *time.Time
}

// Encode renders t as an opaque base64 token. The wire format is a
// google.golang.org/protobuf structpb.Struct, marshaled and base64'd —
// a generic, self-describing protobuf message rather than a
// purpose-built .proto schema, since the token's field set is small and
// stable and doesn't warrant generated code.
func Encode(t Token) (string, error) {
	fields := map[string]any{
		"version":    float64(t.Version),
		"index_name": t.IndexName,
		"collection": t.Collection,
		"pk":         t.PK.String(),
		"desc":       t.Desc,
	}
	if len(t.SortKey) > 0 {
		fields["sort_key"] = base64.StdEncoding.EncodeToString(t.SortKey)
	}
	if t.ExpiresAt != nil {
		fields["expiry_epoch_ms"] = float64(t.ExpiresAt.UnixMilli())
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return "", errs.New("cursor.Encode", errs.Internal, "", err)
	}
	wire, err := proto.Marshal(s)
	if err != nil {
		return "", errs.New("cursor.Encode", errs.Internal, "", err)
	}
	return base64.RawURLEncoding.EncodeToString(wire), nil
}

// Decode parses an opaque cursor token. Any malformed token, version
// mismatch, or unparseable pk returns errs.InvalidCursor; callers at the
// query boundary translate that into an empty page rather than
// propagating it as a hard error (spec.md §6's InvalidCursor row: "empty
// page, has_more=false, non-error status").
func Decode(token string) (Token, error) {
	wire, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Token{}, errs.New("cursor.Decode", errs.InvalidCursor, "", err)
	}

	var s structpb.Struct
	if err := proto.Unmarshal(wire, &s); err != nil {
		return Token{}, errs.New("cursor.Decode", errs.InvalidCursor, "", err)
	}
	fields := s.AsMap()

	version, ok := fields["version"].(float64)
	if !ok || int64(version) != Version {
		return Token{}, errs.New("cursor.Decode", errs.InvalidCursor, "", nil)
	}

	pkStr, _ := fields["pk"].(string)
	pk, ok := types.ParsePK(pkStr)
	if !ok {
		return Token{}, errs.New("cursor.Decode", errs.InvalidCursor, "", nil)
	}

	tok := Token{
		Version: int64(version),
		PK:      pk,
	}
	tok.IndexName, _ = fields["index_name"].(string)
	tok.Collection, _ = fields["collection"].(string)
	tok.Desc, _ = fields["desc"].(bool)
	if sk, ok := fields["sort_key"].(string); ok {
		dec, err := base64.StdEncoding.DecodeString(sk)
		if err != nil {
			return Token{}, errs.New("cursor.Decode", errs.InvalidCursor, "", err)
		}
		tok.SortKey = dec
	}
	if exp, ok := fields["expiry_epoch_ms"].(float64); ok {
		t := time.UnixMilli(int64(exp))
		tok.ExpiresAt = &t
	}

	return tok, nil
}

// Expired reports whether t carries an expiry that has already passed
// as of now.
func (t Token) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}
