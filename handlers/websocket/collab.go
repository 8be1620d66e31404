package websocket

import (
	"context"
	"fmt"
	"net/url"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"codecollab-server/handlers/auth"
	"codecollab-server/realtime"

	"github.com/go-viper/mapstructure/v2"
	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

type ackInvoker func(err error, payload map[string]any)

type (
	documentRef struct {
		DocumentID string `json:"documentId"`
	}

	editPayload struct {
		DocumentID string  `json:"documentId"`
		Content    *string `json:"content"`
	}

	languagePayload struct {
		DocumentID string `json:"documentId"`
		Language   string `json:"language"`
	}

	cursorPayload struct {
		DocumentID string `json:"documentId"`
		Position   any    `json:"position"`
		Selection  any    `json:"selection"`
	}
)

// Registry maps connection ids to live sockets and delivers realtime events.
type Registry struct {
	mu      sync.RWMutex
	sockets map[string]*socketio.Socket
}

func NewRegistry() *Registry {
	return &Registry{sockets: make(map[string]*socketio.Socket)}
}

func (r *Registry) add(socket *socketio.Socket) {
	r.mu.Lock()
	r.sockets[string(socket.Id())] = socket
	r.mu.Unlock()
}

func (r *Registry) remove(connectionID string) {
	r.mu.Lock()
	delete(r.sockets, connectionID)
	r.mu.Unlock()
}

// Emit implements realtime.Emitter. Cursor updates are volatile.
func (r *Registry) Emit(connectionID, event string, payload any) {
	r.mu.RLock()
	socket, ok := r.sockets[connectionID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	var err error
	if event == realtime.EventPeerCursorUpdate {
		err = socket.Volatile().Emit(event, payload)
	} else {
		err = socket.Emit(event, payload)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"connection_id": connectionID,
			"event":         event,
		}).WithError(err).Debug("Emit failed")
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sockets)
}

// SetupSocketIO builds the Socket.IO server that feeds service.
func SetupSocketIO(registry *Registry, service *realtime.Service, verifier *auth.Verifier, origins []string) *socketio.Server {
	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(5000000)
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	opts.SetCors(&types.Cors{
		Origin:      corsOrigins(origins),
		Credentials: true,
	})
	srv := socketio.NewServer(nil, opts)

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}
		me := string(socket.Id())
		log := logrus.WithField("connection_id", me)

		principal, err := verifier.Principal(handshakeToken(socket))
		if err != nil {
			log.WithError(err).Warn("Rejected connection")
			_ = socket.Emit(realtime.EventError, realtime.ErrorMessage{Message: "Authentication failed"})
			socket.Disconnect(true)
			return
		}

		registry.add(socket)
		if err := service.Open(me, principal); err != nil {
			log.WithError(err).Error("Failed to open session")
			registry.remove(me)
			socket.Disconnect(true)
			return
		}

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On(realtime.EventJoinDocument, func(datas ...any) {
			ack, args := extractAck(datas)
			ref, err := parseDocumentRef(args)
			if err == nil {
				err = service.Join(context.Background(), me, ref.DocumentID)
			} else {
				service.Reject(me, err)
			}
			respondWithAck(ack, err)
		})

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On(realtime.EventLeaveDocument, func(datas ...any) {
			ack, args := extractAck(datas)
			ref, err := parseDocumentRef(args)
			if err == nil {
				err = service.Leave(me, ref.DocumentID)
			} else {
				service.Reject(me, err)
			}
			respondWithAck(ack, err)
		})

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On(realtime.EventDocumentEdit, func(datas ...any) {
			ack, args := extractAck(datas)
			edit, err := parseEdit(args)
			if err == nil {
				err = service.Edit(me, edit.DocumentID, *edit.Content)
			} else {
				service.Reject(me, err)
			}
			respondWithAck(ack, err)
		})

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On(realtime.EventSaveDocument, func(datas ...any) {
			ack, args := extractAck(datas)
			save, err := parseEdit(args)
			if err == nil {
				err = service.Save(me, save.DocumentID, *save.Content)
			} else {
				service.Reject(me, err)
			}
			respondWithAck(ack, err)
		})

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On(realtime.EventLanguageChange, func(datas ...any) {
			ack, args := extractAck(datas)
			var change languagePayload
			err := decodeFirst(args, &change)
			if err == nil {
				err = service.ChangeLanguage(context.Background(), me, change.DocumentID, change.Language)
			} else {
				service.Reject(me, err)
			}
			respondWithAck(ack, err)
		})

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On(realtime.EventCursorPosition, func(datas ...any) {
			_, args := extractAck(datas)
			var cursor cursorPayload
			if err := decodeFirst(args, &cursor); err != nil {
				return
			}
			// cursor updates are best effort; failures are not reported
			_ = service.Cursor(me, cursor.DocumentID, cursor.Position, cursor.Selection)
		})

		socket.On("disconnect", func(datas ...any) {
			service.Close(me)
			registry.remove(me)
			socket.RemoveAllListeners("")
		})
	})

	return srv
}

// handshakeToken reads the token from the auth payload or the query string.
func handshakeToken(socket *socketio.Socket) string {
	handshake := socket.Handshake()
	if handshake == nil {
		return ""
	}
	if token := tokenFromAuth(handshake.Auth); token != "" {
		return token
	}
	return url.Values(handshake.Query).Get("token")
}

func tokenFromAuth(authPayload any) string {
	values, ok := authPayload.(map[string]any)
	if !ok {
		return ""
	}
	token, _ := values["token"].(string)
	return token
}

func corsOrigins(origins []string) []any {
	out := make([]any, 0, len(origins))
	for _, origin := range origins {
		if strings.Contains(origin, "*") {
			pattern := "^" + strings.ReplaceAll(regexp.QuoteMeta(origin), `\*`, `[^/]*`) + "$"
			out = append(out, regexp.MustCompile(pattern))
			continue
		}
		out = append(out, origin)
	}
	return out
}

// parseDocumentRef accepts a bare document id or {documentId}.
func parseDocumentRef(args []any) (documentRef, error) {
	if len(args) > 0 {
		if id, ok := args[0].(string); ok {
			return documentRef{DocumentID: id}, nil
		}
	}
	var ref documentRef
	err := decodeFirst(args, &ref)
	return ref, err
}

// parseEdit decodes {documentId, content}; an empty string is valid content.
func parseEdit(args []any) (editPayload, error) {
	var edit editPayload
	if err := decodeFirst(args, &edit); err != nil {
		return edit, err
	}
	if edit.Content == nil {
		return edit, fmt.Errorf("%w: content is required", realtime.ErrMalformedPayload)
	}
	return edit, nil
}

func decodeFirst(args []any, out any) error {
	if len(args) == 0 || args[0] == nil {
		return fmt.Errorf("%w: payload is required", realtime.ErrMalformedPayload)
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  out,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(args[0]); err != nil {
		return fmt.Errorf("%w: %v", realtime.ErrMalformedPayload, err)
	}
	return nil
}

func statusPayload(err error) map[string]any {
	response := map[string]any{
		"status": "ok",
	}
	if err != nil {
		response["status"] = "error"
		response["error"] = err.Error()
	}
	return response
}

func extractAck(datas []any) (ack ackInvoker, args []any) {
	if len(datas) == 0 {
		return nil, datas
	}

	candidate := datas[len(datas)-1]
	ack = wrapAck(candidate)
	if ack == nil {
		return nil, datas
	}

	return ack, datas[:len(datas)-1]
}

func wrapAck(candidate any) ackInvoker {
	if candidate == nil {
		return nil
	}

	value := reflect.ValueOf(candidate)
	if !value.IsValid() || value.Kind() != reflect.Func {
		return nil
	}

	typ := value.Type()
	return func(err error, payload map[string]any) {
		args := buildAckArgs(typ, err, payload)
		value.Call(args)
	}
}

func buildAckArgs(typ reflect.Type, err error, payload map[string]any) []reflect.Value {
	numIn := typ.NumIn()
	args := make([]reflect.Value, numIn)

	for i := 0; i < numIn; i++ {
		paramType := typ.In(i)
		var argValue any

		switch {
		case numIn == 1:
			if err != nil {
				argValue = err
			} else {
				argValue = payload
			}
		case i == 0:
			argValue = err
		case i == 1:
			argValue = payload
		default:
			argValue = nil
		}

		args[i] = coerceValue(argValue, paramType)
	}

	return args
}

func coerceValue(value any, targetType reflect.Type) reflect.Value {
	if value == nil {
		return reflect.Zero(targetType)
	}

	rv := reflect.ValueOf(value)
	if rv.Type().AssignableTo(targetType) {
		return rv
	}

	if rv.Type().ConvertibleTo(targetType) {
		return rv.Convert(targetType)
	}

	if targetType.Kind() == reflect.Interface {
		if rv.Type().Implements(targetType) || targetType.NumMethod() == 0 {
			return rv
		}
	}

	if targetType.Kind() == reflect.String {
		return reflect.ValueOf(fmt.Sprint(value)).Convert(targetType)
	}

	return reflect.Zero(targetType)
}

// respondWithAck answers the client callback, if the client sent one.
func respondWithAck(ack ackInvoker, err error) {
	if ack != nil {
		ack(err, statusPayload(err))
	}
}
