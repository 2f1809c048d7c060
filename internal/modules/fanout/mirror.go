// README: Optional Firebase Realtime Database mirror so mobile clients can listen to sync/<kind>/<id> directly.
package fanout

import (
	"context"
	"fmt"
	"strings"

	"firebase.google.com/go/v4/db"
)

// Mirror receives every frame published by this instance. Frames relayed from
// other instances are not mirrored again.
type Mirror interface {
	Mirror(ctx context.Context, e Envelope) error
}

// RefSetter writes a JSON value at an RTDB path.
type RefSetter interface {
	Set(ctx context.Context, path string, v any) error
}

// RTDBMirror stores the latest frame of each type under
// <root>/<order|rider>/<id>/<type>, overwriting the previous value.
type RTDBMirror struct {
	refs RefSetter
	root string
}

const DefaultMirrorRoot = "sync"

func NewRTDBMirror(refs RefSetter, root string) *RTDBMirror {
	if root == "" {
		root = DefaultMirrorRoot
	}
	return &RTDBMirror{refs: refs, root: strings.Trim(root, "/")}
}

func (m *RTDBMirror) Mirror(ctx context.Context, e Envelope) error {
	path, err := mirrorPath(m.root, e)
	if err != nil {
		return err
	}
	return m.refs.Set(ctx, path, e.Data)
}

func mirrorPath(root string, e Envelope) (string, error) {
	kind, id, ok := strings.Cut(e.Topic, ":")
	if !ok || kind == "" || id == "" {
		return "", fmt.Errorf("mirror: malformed topic %q", e.Topic)
	}
	return root + "/" + kind + "/" + id + "/" + string(e.Type), nil
}

// DBRefs adapts the Admin SDK database client to RefSetter.
type DBRefs struct {
	Client *db.Client
}

func (r DBRefs) Set(ctx context.Context, path string, v any) error {
	return r.Client.NewRef(path).Set(ctx, v)
}
