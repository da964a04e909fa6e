package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	SecurityContext        = "https://w3id.org/security/v1"
	PublicAddress          = "https://www.w3.org/ns/activitystreams#Public"
)

// Kind is the closed set of activity types the inbox understands.
type Kind int

const (
	KindUnknown Kind = iota
	KindFollow
	KindUndo
	KindAccept
	KindCreate
	KindUpdate
	KindDelete
	KindLike
	KindAnnounce
)

var kindNames = map[Kind]string{
	KindFollow:   "Follow",
	KindUndo:     "Undo",
	KindAccept:   "Accept",
	KindCreate:   "Create",
	KindUpdate:   "Update",
	KindDelete:   "Delete",
	KindLike:     "Like",
	KindAnnounce: "Announce",
}

// ParseKind maps a wire type name to a Kind. Anything outside the set is KindUnknown.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindUnknown
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// IsActorType reports whether an object type describes an actor.
func IsActorType(t string) bool {
	switch t {
	case "Person", "Group", "Service", "Application", "Organization":
		return true
	}
	return false
}

// IsNoteType reports whether an object type is a postable note-like object.
func IsNoteType(t string) bool {
	switch t {
	case "Note", "Article", "Page", "Question":
		return true
	}
	return false
}

// Audience is a recipient list. On the wire it can be a single string or an array.
type Audience []string

func (a *Audience) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Audience{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("audience must be a string or an array of strings: %w", err)
	}
	*a = list
	return nil
}

// Contains reports whether id is one of the recipients.
func (a Audience) Contains(id string) bool {
	for _, r := range a {
		if r == id {
			return true
		}
	}
	return false
}

// Object is the polymorphic "object" slot of an activity: a bare id, an embedded
// object (note, nested activity, tombstone, actor) or nothing at all.
type Object struct {
	ID   string
	Type string
	raw  json.RawMessage
}

// Ref builds an Object that only carries an id.
func Ref(id string) Object {
	return Object{ID: id}
}

// Embed builds an Object from any JSON-serializable value.
func Embed(v interface{}) (Object, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Object{}, err
	}
	var o Object
	if err := o.UnmarshalJSON(raw); err != nil {
		return Object{}, err
	}
	return o, nil
}

func (o *Object) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*o = Object{}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &o.ID)
	}
	var head struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	o.ID = head.ID
	o.Type = head.Type
	o.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (o Object) MarshalJSON() ([]byte, error) {
	if o.raw != nil {
		return o.raw, nil
	}
	if o.ID == "" {
		return []byte("null"), nil
	}
	return json.Marshal(o.ID)
}

// IsEmpty reports whether the slot was absent or null.
func (o Object) IsEmpty() bool {
	return o.ID == "" && o.raw == nil
}

// IsRef reports whether the object was given as a bare id.
func (o Object) IsRef() bool {
	return o.raw == nil && o.ID != ""
}

// Raw returns the embedded JSON, or nil for bare references.
func (o Object) Raw() json.RawMessage {
	return o.raw
}

// Decode unmarshals the embedded object into v.
func (o Object) Decode(v interface{}) error {
	if o.raw == nil {
		return fmt.Errorf("object %q is a bare reference", o.ID)
	}
	return json.Unmarshal(o.raw, v)
}

// Activity is an ActivityPub activity as it travels on the wire.
type Activity struct {
	Context   interface{} `json:"@context,omitempty"`
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Actor     string      `json:"actor,omitempty"`
	Object    Object      `json:"object"`
	To        Audience    `json:"to,omitempty"`
	Cc        Audience    `json:"cc,omitempty"`
	Published string      `json:"published,omitempty"`
}

// Kind returns the parsed type tag.
func (a *Activity) Kind() Kind {
	return ParseKind(a.Type)
}

// ParseActivity decodes a wire activity and checks the fields every inbound
// message must carry.
func ParseActivity(body []byte) (*Activity, error) {
	var a Activity
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("%w: malformed activity: %v", ErrProtocol, err)
	}
	if a.Actor == "" {
		return nil, fmt.Errorf("%w: activity without actor", ErrProtocol)
	}
	if a.Type == "" {
		return nil, fmt.Errorf("%w: activity without type", ErrProtocol)
	}
	return &a, nil
}

// Tag is an entry of a note's tag list.
type Tag struct {
	Type string `json:"type"`
	Href string `json:"href,omitempty"`
	Name string `json:"name,omitempty"`
}

// Note is the post object this server composes and stores.
type Note struct {
	Context      interface{} `json:"@context,omitempty"`
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	AttributedTo string      `json:"attributedTo"`
	Summary      string      `json:"summary"`
	Content      string      `json:"content"`
	Conversation string      `json:"context,omitempty"`
	URL          string      `json:"url,omitempty"`
	To           Audience    `json:"to"`
	Cc           Audience    `json:"cc"`
	Published    string      `json:"published,omitempty"`
	Updated      string      `json:"updated,omitempty"`
	InReplyTo    Object      `json:"inReplyTo"`
	Tag          []Tag       `json:"tag"`
}

// Tombstone marks a deleted object's former id.
type Tombstone struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// ObjectHeader holds the fields the engine inspects on arbitrary stored objects.
type ObjectHeader struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Actor        string   `json:"actor"`
	AttributedTo string   `json:"attributedTo"`
	InReplyTo    Object   `json:"inReplyTo"`
	Object       Object   `json:"object"`
	To           Audience `json:"to"`
	Cc           Audience `json:"cc"`
	Content      string   `json:"content"`
	Published    string   `json:"published"`
	// Conversation is the "context" id, when it is a plain string.
	Conversation string `json:"context,omitempty"`
}

// UnmarshalJSON accepts actor and attributedTo as an id, an object or a list
// of either. Only the first id is kept.
func (h *ObjectHeader) UnmarshalJSON(data []byte) error {
	type plain ObjectHeader
	aux := struct {
		*plain
		Actor        json.RawMessage `json:"actor"`
		AttributedTo json.RawMessage `json:"attributedTo"`
		Context      json.RawMessage `json:"context"`
	}{plain: (*plain)(h)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	if h.Actor, err = firstID(aux.Actor); err != nil {
		return fmt.Errorf("actor: %w", err)
	}
	if h.AttributedTo, err = firstID(aux.AttributedTo); err != nil {
		return fmt.Errorf("attributedTo: %w", err)
	}
	h.Conversation = ""
	if c := bytes.TrimSpace(aux.Context); len(c) > 0 && c[0] == '"' {
		if err := json.Unmarshal(c, &h.Conversation); err != nil {
			return fmt.Errorf("context: %w", err)
		}
	}
	return nil
}

// firstID extracts an id from a string, an object with an id, or the first
// usable element of an array.
func firstID(data json.RawMessage) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "", nil
	}
	switch data[0] {
	case '"':
		var s string
		err := json.Unmarshal(data, &s)
		return s, err
	case '[':
		var list []json.RawMessage
		if err := json.Unmarshal(data, &list); err != nil {
			return "", err
		}
		for _, el := range list {
			if id, err := firstID(el); err == nil && id != "" {
				return id, nil
			}
		}
		return "", nil
	case '{':
		var o struct {
			ID string `json:"id"`
		}
		err := json.Unmarshal(data, &o)
		return o.ID, err
	}
	return "", fmt.Errorf("unexpected value %s", data)
}

// ParseHeader decodes the inspectable fields of a raw object.
func ParseHeader(raw []byte) (*ObjectHeader, error) {
	var h ObjectHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("%w: malformed object: %v", ErrProtocol, err)
	}
	return &h, nil
}

// Inner returns the header of the wrapped object for Create activities, and the
// header itself otherwise.
func (h *ObjectHeader) Inner() *ObjectHeader {
	if h.Type != "Create" || h.Object.Raw() == nil {
		return h
	}
	inner, err := ParseHeader(h.Object.Raw())
	if err != nil {
		return h
	}
	return inner
}

// Author returns whoever is responsible for the object.
func (h *ObjectHeader) Author() string {
	if h.AttributedTo != "" {
		return h.AttributedTo
	}
	return h.Actor
}

// IsPublic reports whether the object is addressed to the public collection.
func (h *ObjectHeader) IsPublic() bool {
	return h.To.Contains(PublicAddress) || h.Cc.Contains(PublicAddress)
}
