// Package protoreg loads the upstream's raw .proto schema at runtime (it is
// external input, per §1, never checked in as generated Go code) and
// exposes lookups and dynamic encode/decode over it. Built on
// github.com/jhump/protoreflect, which parses .proto source directly
// without invoking protoc, plus its dynamic.Message for reflective
// field access.
package protoreg

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/desc/protoparse"
	"github.com/jhump/protoreflect/dynamic"
)

// SchemaFiles is the fixed set of four .proto files the registry loads,
// matching the real cTrader OpenAPI schema layout.
var SchemaFiles = []string{
	"OpenApiCommonMessages.proto",
	"OpenApiCommonModelMessages.proto",
	"OpenApiMessages.proto",
	"OpenApiModelMessages.proto",
}

const (
	wrapperSuffix    = "ProtoMessage"
	payloadEnumSuffix = "ProtoOAPayloadType"
)

// upperTokens lists the name fragments that stay fully uppercase when
// converting PROTO_OA_FOO_BAR_REQ-style enum keys to Go-ish message type
// names (ProtoOAFooBarReq); every other token is Titlecased. Grounded in
// observed upstream naming: ProtoOATrailingSLChangedEvent,
// ProtoOASymbolByIdRes ("Id", not "ID" — so "ID" is deliberately absent
// here), ProtoOAGetCtidProfileByTokenRes ("Ctid", not "CTID").
var upperTokens = map[string]bool{
	"OA": true,
	"SL": true,
	"TP": true,
}

// ErrNotFound is returned by lookups that exhaust both the primary table
// and the alias table.
type ErrNotFound struct {
	Kind        string
	Query       string
	Suggestions []string
}

func (e *ErrNotFound) Error() string {
	if len(e.Suggestions) == 0 {
		return fmt.Sprintf("protoreg: %s %q not found", e.Kind, e.Query)
	}
	return fmt.Sprintf("protoreg: %s %q not found; did you mean: %s", e.Kind, e.Query, strings.Join(e.Suggestions, ", "))
}

// Registry resolves message/enum descriptors loaded from the upstream
// schema and performs encode/decode over them.
type Registry struct {
	messages map[string]*desc.MessageDescriptor
	enums    map[string]*desc.EnumDescriptor

	payloadEnum *desc.EnumDescriptor
	wrapperMsg  *desc.MessageDescriptor

	// aliasEnumKeys/aliasMessageNames map a renamed-upstream key to the
	// canonical one found in the loaded schema. Seeded with known
	// historical renames; extend with WithAliases.
	aliasEnumKeys    map[string]string
	aliasMessageNames map[string]string
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithAliases adds extra enum-key and message-type-name aliases on top of
// the built-in seed table.
func WithAliases(enumKeyAliases, messageNameAliases map[string]string) Option {
	return func(r *Registry) {
		for k, v := range enumKeyAliases {
			r.aliasEnumKeys[k] = v
		}
		for k, v := range messageNameAliases {
			r.aliasMessageNames[k] = v
		}
	}
}

func seedAliases() (map[string]string, map[string]string) {
	// These reflect payload names the upstream has renamed across schema
	// revisions; both sides of a rename are kept so older caller code
	// keeps working against a newer schema file.
	enumKeyAliases := map[string]string{
		"PROTO_OA_ACCOUNTS_TOKEN_INVALIDATED_EVENT": "PROTO_OA_ACCOUNT_DISCONNECT_EVENT",
		"PROTO_OA_GET_ACCOUNT_LIST_BY_ACCESS_TOKEN_REQ": "PROTO_OA_GET_ACCOUNTS_BY_ACCESS_TOKEN_REQ",
	}
	messageNameAliases := map[string]string{
		"ProtoOAGetAccountListByAccessTokenReq": "ProtoOAGetAccountsByAccessTokenReq",
	}
	return enumKeyAliases, messageNameAliases
}

// Load parses dir/files (SchemaFiles if files is empty) and builds a
// Registry from them.
func Load(dir string, files []string, opts ...Option) (*Registry, error) {
	if len(files) == 0 {
		files = SchemaFiles
	}
	parser := protoparse.Parser{
		ImportPaths:           []string{dir},
		IncludeSourceCodeInfo: false,
	}
	fds, err := parser.ParseFiles(files...)
	if err != nil {
		return nil, fmt.Errorf("protoreg: parse schema in %s: %w", dir, err)
	}
	return build(fds, opts...)
}

// LoadFiles takes the same arguments as Load and simply delegates to it.
func LoadFiles(dir string, files []string, opts ...Option) (*Registry, error) {
	return Load(dir, files, opts...)
}

func build(fds []*desc.FileDescriptor, opts ...Option) (*Registry, error) {
	aliasEnumKeys, aliasMessageNames := seedAliases()
	r := &Registry{
		messages:          make(map[string]*desc.MessageDescriptor),
		enums:             make(map[string]*desc.EnumDescriptor),
		aliasEnumKeys:     aliasEnumKeys,
		aliasMessageNames: aliasMessageNames,
	}

	for _, fd := range fds {
		for _, md := range fd.GetMessageTypes() {
			r.messages[md.GetName()] = md
			if strings.HasSuffix(md.GetName(), wrapperSuffix) {
				r.wrapperMsg = md
			}
		}
		for _, ed := range fd.GetEnumTypes() {
			r.enums[ed.GetName()] = ed
			if strings.HasSuffix(ed.GetName(), payloadEnumSuffix) {
				r.payloadEnum = ed
			}
		}
	}

	if r.wrapperMsg == nil {
		return nil, fmt.Errorf("protoreg: no message with suffix %s found in schema", wrapperSuffix)
	}
	if r.payloadEnum == nil {
		return nil, fmt.Errorf("protoreg: no enum with suffix %s found in schema", payloadEnumSuffix)
	}

	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// PayloadTypeID resolves an enum key like PROTO_OA_NEW_ORDER_REQ to its
// numeric payload type, trying the alias table on a miss.
func (r *Registry) PayloadTypeID(name string) (int32, error) {
	if v := r.payloadEnum.FindValueByName(name); v != nil {
		return v.GetNumber(), nil
	}
	if alias, ok := r.aliasEnumKeys[name]; ok {
		if v := r.payloadEnum.FindValueByName(alias); v != nil {
			return v.GetNumber(), nil
		}
	}
	return 0, &ErrNotFound{Kind: "payload type", Query: name, Suggestions: r.suggestEnumKeys(name)}
}

// PayloadTypeName is the reverse of PayloadTypeID.
func (r *Registry) PayloadTypeName(id int32) (string, bool) {
	for _, v := range r.payloadEnum.GetValues() {
		if v.GetNumber() == id {
			return v.GetName(), true
		}
	}
	return "", false
}

// MessageTypeFromPayloadName converts an enum key (PROTO_OA_FOO_BAR_REQ)
// into the Go-ish message type name the schema declares it under
// (ProtoOAFooBarReq), preserving acronym tokens like "OA" and "SL".
func MessageTypeFromPayloadName(enumKey string) string {
	parts := strings.Split(enumKey, "_")
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		if upperTokens[p] {
			b.WriteString(p)
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		if len(p) > 1 {
			b.WriteString(strings.ToLower(p[1:]))
		}
	}
	return b.String()
}

// messageDescriptor resolves a type name, trying the alias table on miss.
func (r *Registry) messageDescriptor(typeName string) (*desc.MessageDescriptor, error) {
	if md, ok := r.messages[typeName]; ok {
		return md, nil
	}
	if alias, ok := r.aliasMessageNames[typeName]; ok {
		if md, ok := r.messages[alias]; ok {
			return md, nil
		}
	}
	return nil, &ErrNotFound{Kind: "message type", Query: typeName, Suggestions: r.suggestMessageNames(typeName)}
}

// HasField reports whether typeName declares a field named name.
func (r *Registry) HasField(typeName, name string) bool {
	md, err := r.messageDescriptor(typeName)
	if err != nil {
		return false
	}
	return md.FindFieldByName(name) != nil
}

// EncodeMessage builds a dynamic message of typeName from obj, coercing
// any string enum values (including inside repeated enum fields) to their
// numeric equivalents, then marshals it.
func (r *Registry) EncodeMessage(typeName string, obj map[string]interface{}) ([]byte, error) {
	md, err := r.messageDescriptor(typeName)
	if err != nil {
		return nil, err
	}
	msg := dynamic.NewMessage(md)
	for name, value := range obj {
		fd := md.FindFieldByName(name)
		if fd == nil {
			return nil, fmt.Errorf("protoreg: %s has no field %q", typeName, name)
		}
		coerced, err := coerceValue(fd, value)
		if err != nil {
			return nil, fmt.Errorf("protoreg: %s.%s: %w", typeName, name, err)
		}
		if err := msg.TrySetFieldByName(name, coerced); err != nil {
			return nil, fmt.Errorf("protoreg: set %s.%s: %w", typeName, name, err)
		}
	}
	return msg.Marshal()
}

// DecodeMessage unmarshals data as typeName into a plain map.
func (r *Registry) DecodeMessage(typeName string, data []byte) (map[string]interface{}, error) {
	md, err := r.messageDescriptor(typeName)
	if err != nil {
		return nil, err
	}
	msg := dynamic.NewMessage(md)
	if err := msg.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("protoreg: decode %s: %w", typeName, err)
	}
	return decodeToMap(msg)
}

// decodeToMap flattens a dynamic message into a plain map, recursing into
// nested (singular or repeated) message-typed fields so callers never have
// to type-switch on *dynamic.Message themselves.
func decodeToMap(msg *dynamic.Message) (map[string]interface{}, error) {
	md := msg.GetMessageDescriptor()
	out := make(map[string]interface{})
	for _, fd := range md.GetFields() {
		if !msg.HasField(fd) {
			continue
		}
		v, err := msg.TryGetFieldByName(fd.GetName())
		if err != nil {
			return nil, fmt.Errorf("protoreg: read %s.%s: %w", md.GetName(), fd.GetName(), err)
		}
		converted, err := decodeFieldValue(fd, v)
		if err != nil {
			return nil, fmt.Errorf("protoreg: %s.%s: %w", md.GetName(), fd.GetName(), err)
		}
		out[fd.GetName()] = converted
	}
	return out, nil
}

func decodeFieldValue(fd *desc.FieldDescriptor, v interface{}) (interface{}, error) {
	if fd.GetMessageType() == nil {
		return v, nil
	}
	if fd.IsRepeated() {
		items, ok := v.([]interface{})
		if !ok {
			return v, nil
		}
		out := make([]interface{}, len(items))
		for i, item := range items {
			converted, err := decodeMessageValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = converted
		}
		return out, nil
	}
	return decodeMessageValue(v)
}

func decodeMessageValue(v interface{}) (interface{}, error) {
	dm, ok := v.(*dynamic.Message)
	if !ok {
		return v, nil
	}
	return decodeToMap(dm)
}

// WrapperFields is the decoded shape of the outer ProtoMessage envelope.
type WrapperFields struct {
	PayloadType int32
	Payload     []byte
	ClientMsgID *string
}

// EncodeProtoMessage wraps payload bytes for payloadTypeID in the outer
// ProtoMessage envelope, attaching clientMsgID if provided.
func (r *Registry) EncodeProtoMessage(payloadTypeID int32, payload []byte, clientMsgID *string) ([]byte, error) {
	msg := dynamic.NewMessage(r.wrapperMsg)
	if err := msg.TrySetFieldByName("payloadType", uint32(payloadTypeID)); err != nil {
		return nil, fmt.Errorf("protoreg: set wrapper payloadType: %w", err)
	}
	if err := msg.TrySetFieldByName("payload", payload); err != nil {
		return nil, fmt.Errorf("protoreg: set wrapper payload: %w", err)
	}
	if clientMsgID != nil {
		if err := msg.TrySetFieldByName("clientMsgId", *clientMsgID); err != nil {
			return nil, fmt.Errorf("protoreg: set wrapper clientMsgId: %w", err)
		}
	}
	return msg.Marshal()
}

// DecodeProtoMessage unwraps the outer ProtoMessage envelope.
func (r *Registry) DecodeProtoMessage(data []byte) (WrapperFields, error) {
	msg := dynamic.NewMessage(r.wrapperMsg)
	if err := msg.Unmarshal(data); err != nil {
		return WrapperFields{}, fmt.Errorf("protoreg: decode wrapper: %w", err)
	}

	ptRaw, err := msg.TryGetFieldByName("payloadType")
	if err != nil {
		return WrapperFields{}, fmt.Errorf("protoreg: read wrapper payloadType: %w", err)
	}
	payloadType, err := toInt32(ptRaw)
	if err != nil {
		return WrapperFields{}, err
	}

	payloadRaw, err := msg.TryGetFieldByName("payload")
	if err != nil {
		return WrapperFields{}, fmt.Errorf("protoreg: read wrapper payload: %w", err)
	}
	payload, _ := payloadRaw.([]byte)

	wf := WrapperFields{PayloadType: payloadType, Payload: payload}
	if fd := r.wrapperMsg.FindFieldByName("clientMsgId"); fd != nil && msg.HasField(fd) {
		if raw, err := msg.TryGetFieldByName("clientMsgId"); err == nil {
			if s, ok := raw.(string); ok {
				wf.ClientMsgID = &s
			}
		}
	}
	return wf, nil
}

func toInt32(v interface{}) (int32, error) {
	switch n := v.(type) {
	case int32:
		return n, nil
	case uint32:
		return int32(n), nil
	case int64:
		return int32(n), nil
	case uint64:
		return int32(n), nil
	default:
		return 0, fmt.Errorf("protoreg: unexpected payloadType kind %T", v)
	}
}

// coerceValue converts string enum values (and string values inside
// repeated-enum slices) to their numeric equivalents, per §4.2's encoding
// requirement. Non-enum fields and already-numeric values pass through.
func coerceValue(fd *desc.FieldDescriptor, value interface{}) (interface{}, error) {
	enumType := fd.GetEnumType()
	if enumType == nil {
		return value, nil
	}

	if fd.IsRepeated() {
		items, ok := value.([]interface{})
		if !ok {
			return value, nil
		}
		out := make([]interface{}, len(items))
		for i, item := range items {
			n, err := coerceEnumScalar(enumType, item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	}
	return coerceEnumScalar(enumType, value)
}

func coerceEnumScalar(enumType *desc.EnumDescriptor, value interface{}) (interface{}, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	v := enumType.FindValueByName(s)
	if v == nil {
		return nil, fmt.Errorf("unknown enum value %q for %s", s, enumType.GetName())
	}
	return v.GetNumber(), nil
}

const maxSuggestions = 10

func (r *Registry) suggestEnumKeys(query string) []string {
	keys := make([]string, 0, len(r.payloadEnum.GetValues()))
	for _, v := range r.payloadEnum.GetValues() {
		keys = append(keys, v.GetName())
	}
	return suggest(query, keys)
}

func (r *Registry) suggestMessageNames(query string) []string {
	keys := make([]string, 0, len(r.messages))
	for name := range r.messages {
		keys = append(keys, name)
	}
	return suggest(query, keys)
}

func suggest(query string, candidates []string) []string {
	upperQuery := strings.ToUpper(query)
	var matches []string
	for _, c := range candidates {
		if strings.Contains(strings.ToUpper(c), upperQuery) || strings.Contains(upperQuery, strings.ToUpper(c)) {
			matches = append(matches, c)
		}
	}
	sort.Strings(matches)
	if len(matches) > maxSuggestions {
		matches = matches[:maxSuggestions]
	}
	return matches
}
