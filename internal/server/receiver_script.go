package server

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"text/template"

	"github.com/mithileshchellappan/novelpush/internal/config"
	"github.com/mithileshchellappan/novelpush/internal/dispatch"
	"github.com/mithileshchellappan/novelpush/internal/receiver"
)

//go:embed templates/firebase-messaging-sw.js.tmpl
var receiverTemplateText string

var receiverTemplate = template.Must(template.New("receiver").Funcs(template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
}).Parse(receiverTemplateText))

type ReceiverConfig struct {
	Firebase config.FirebaseWebConfig
	Icon     string
	Badge    string
}

// ReceiverScript is the rendered background receiver served at
// receiver.ScriptPath.
type ReceiverScript struct {
	body []byte
	etag string
}

func RenderReceiverScript(cfg ReceiverConfig) (*ReceiverScript, error) {
	var buf bytes.Buffer
	err := receiverTemplate.Execute(&buf, struct {
		ReceiverConfig
		Actions     []dispatch.Action
		Vibrate     []int
		CloseAction string
	}{
		ReceiverConfig: cfg,
		Actions:        dispatch.DefaultActions,
		Vibrate:        receiver.VibratePattern,
		CloseAction:    dispatch.ActionClose,
	})
	if err != nil {
		return nil, fmt.Errorf("error rendering receiver script: %w", err)
	}

	sum := sha256.Sum256(buf.Bytes())
	return &ReceiverScript{
		body: buf.Bytes(),
		etag: `"` + hex.EncodeToString(sum[:8]) + `"`,
	}, nil
}

func (rs *ReceiverScript) ETag() string { return rs.etag }

func (rs *ReceiverScript) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("ETag", rs.etag)
	if r.Header.Get("If-None-Match") == rs.etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Write(rs.body)
}
