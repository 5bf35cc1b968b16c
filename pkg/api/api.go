// Package api implements the comment service REST endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"

	"github.com/nanohit/dah-comments/pkg/censor"
	"github.com/nanohit/dah-comments/pkg/models"
	"github.com/nanohit/dah-comments/pkg/storage"
)

// Broadcaster pushes event frames to live channel subscribers.
type Broadcaster interface {
	Broadcast(frame models.EventFrame)
}

type API struct {
	ServiceName string
	DB          storage.Storage
	Router      *mux.Router

	hub    Broadcaster
	censor *censor.Censor
	kw     *kafka.Writer
}

// New wires the endpoints. hub, cens and kafkaWriter may be nil: a nil hub
// disables push notifications, a nil censor disables moderation and a nil
// writer disables the kafka access log.
func New(name string, db storage.Storage, hub Broadcaster, cens *censor.Censor, kafkaWriter *kafka.Writer) *API {
	api := API{
		ServiceName: name,
		DB:          db,
		Router:      mux.NewRouter(),
		hub:         hub,
		censor:      cens,
		kw:          kafkaWriter,
	}
	api.endpoints()

	return &api
}

func (api *API) endpoints() {
	api.Router.Use(api.requestIDMiddleware)
	api.Router.Use(api.headerMiddleware)

	if api.kw != nil {
		api.Router.Use(api.loggingMiddleware(api.kw))
	}

	api.Router.HandleFunc("/comments/{scope:post|map}/{topicId}", api.commentsHandler).Methods(http.MethodGet)
	api.Router.HandleFunc("/comments/{scope:post|map}/{topicId}", api.createCommentHandler).Methods(http.MethodPost)
	api.Router.HandleFunc("/comments/{id}", api.updateCommentHandler).Methods(http.MethodPatch)
	api.Router.HandleFunc("/comments/{id}", api.deleteCommentHandler).Methods(http.MethodDelete)
	api.Router.HandleFunc("/comments/{id}/{reaction:like|dislike}", api.reactionHandler).Methods(http.MethodPost)
	api.Router.HandleFunc("/healthz", api.healthzHandler).Methods(http.MethodGet)
}

func (api *API) commentsHandler(w http.ResponseWriter, r *http.Request) {
	reqID := GetRequestID(r.Context())
	sID := shorten(reqID)

	vars := mux.Vars(r)
	topic := models.Topic{Scope: vars["scope"], ID: vars["topicId"]}

	comments, err := api.DB.Comments(r.Context(), topic)
	if err != nil {
		if errors.Is(err, storage.ErrTopicNotProvided) {
			http.Error(w, "Invalid topic", http.StatusBadRequest)
			log.Debugf("[commentsHandler][%s] invalid topic: %v", sID, err)
			return
		}
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		log.Errorf("[commentsHandler][%s] Comments() returned error: %v", sID, err)
		return
	}

	if err := json.NewEncoder(w).Encode(comments); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		log.Errorf("[commentsHandler][%s] failed to encode response data: %v", sID, err)
		return
	}

	log.Debugf("[commentsHandler][%s] response sent to: %v", sID, r.RemoteAddr)
}

func (api *API) createCommentHandler(w http.ResponseWriter, r *http.Request) {
	reqID := GetRequestID(r.Context())
	sID := shorten(reqID)

	vars := mux.Vars(r)
	topic := models.Topic{Scope: vars["scope"], ID: vars["topicId"]}

	var req CreateCommentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		log.Debugf("[createCommentHandler][%s] failed to decode request body: %v", sID, err)
		return
	}
	defer r.Body.Close()

	comment, err := storage.ValidateComment(models.Comment{
		Content:  req.Content,
		Author:   req.Author,
		ParentID: req.ParentCommentID,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		log.Debugf("[createCommentHandler][%s] invalid comment: %v", sID, err)
		return
	}

	if api.censor != nil && api.censor.Check(comment.Content) {
		http.Error(w, "Comment rejected by moderation", http.StatusBadRequest)
		log.Debugf("[createCommentHandler][%s] comment rejected by moderation", sID)
		return
	}

	created, err := api.DB.CreateComment(r.Context(), topic, comment)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrParentCommentNotFound):
			http.Error(w, "Parent comment not found", http.StatusBadRequest)
			log.Debugf("[createCommentHandler][%s] parent comment not found: %v", sID, err)
		case errors.Is(err, storage.ErrTopicNotProvided):
			http.Error(w, "Invalid topic", http.StatusBadRequest)
			log.Debugf("[createCommentHandler][%s] invalid topic: %v", sID, err)
		default:
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			log.Errorf("[createCommentHandler][%s] CreateComment() returned error: %v", sID, err)
		}
		return
	}

	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(created); err != nil {
		log.Errorf("[createCommentHandler][%s] failed to encode response data: %v", sID, err)
		return
	}

	api.broadcast(models.EventFrame{
		Event:           models.EventCommentCreated,
		Topic:           topic.Key(),
		Origin:          r.Header.Get("X-Client-Id"),
		Comment:         &created,
		ParentCommentID: created.ParentID,
	})
	log.Debugf("[createCommentHandler][%s] response sent to: %v", sID, r.RemoteAddr)
}

func (api *API) updateCommentHandler(w http.ResponseWriter, r *http.Request) {
	reqID := GetRequestID(r.Context())
	sID := shorten(reqID)

	commentID := mux.Vars(r)["id"]

	var req UpdateCommentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		log.Debugf("[updateCommentHandler][%s] failed to decode request body: %v", sID, err)
		return
	}
	defer r.Body.Close()

	content := strings.TrimSpace(req.Content)
	if err := storage.ValidateContent(content); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		log.Debugf("[updateCommentHandler][%s] invalid content: %v", sID, err)
		return
	}

	if api.censor != nil && api.censor.Check(content) {
		http.Error(w, "Comment rejected by moderation", http.StatusBadRequest)
		log.Debugf("[updateCommentHandler][%s] comment rejected by moderation", sID)
		return
	}

	updated, topic, err := api.DB.UpdateComment(r.Context(), commentID, content)
	if err != nil {
		if errors.Is(err, storage.ErrCommentNotFound) {
			http.Error(w, "Comment not found", http.StatusNotFound)
			log.Debugf("[updateCommentHandler][%s] comment ID:%v: %v", sID, commentID, err)
			return
		}
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		log.Errorf("[updateCommentHandler][%s] UpdateComment() returned error: %v", sID, err)
		return
	}

	if err := json.NewEncoder(w).Encode(updated); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		log.Errorf("[updateCommentHandler][%s] failed to encode response data: %v", sID, err)
		return
	}

	api.broadcast(models.EventFrame{
		Event:     models.EventCommentUpdated,
		Topic:     topic.Key(),
		Origin:    r.Header.Get("X-Client-Id"),
		CommentID: updated.ID,
		Content:   updated.Content,
	})
	log.Debugf("[updateCommentHandler][%s] response sent to: %v", sID, r.RemoteAddr)
}

func (api *API) deleteCommentHandler(w http.ResponseWriter, r *http.Request) {
	reqID := GetRequestID(r.Context())
	sID := shorten(reqID)

	commentID := mux.Vars(r)["id"]

	deleted, topic, err := api.DB.DeleteComment(r.Context(), commentID)
	if err != nil {
		if errors.Is(err, storage.ErrCommentNotFound) {
			http.Error(w, "Comment not found", http.StatusNotFound)
			log.Debugf("[deleteCommentHandler][%s] comment ID:%v: %v", sID, commentID, err)
			return
		}
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		log.Errorf("[deleteCommentHandler][%s] DeleteComment() returned error: %v", sID, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)

	api.broadcast(models.EventFrame{
		Event:           models.EventCommentDeleted,
		Topic:           topic.Key(),
		Origin:          r.Header.Get("X-Client-Id"),
		CommentID:       deleted.ID,
		ParentCommentID: deleted.ParentID,
	})
	log.Debugf("[deleteCommentHandler][%s] comment ID:%v deleted", sID, commentID)
}

func (api *API) reactionHandler(w http.ResponseWriter, r *http.Request) {
	reqID := GetRequestID(r.Context())
	sID := shorten(reqID)

	vars := mux.Vars(r)
	commentID := vars["id"]
	reaction := models.Reaction(vars["reaction"])

	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		http.Error(w, "Missing X-User-Id header", http.StatusBadRequest)
		log.Debugf("[reactionHandler][%s] missing X-User-Id header from %v", sID, r.RemoteAddr)
		return
	}

	_, _, err := api.DB.ApplyReaction(r.Context(), commentID, userID, reaction)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrCommentNotFound):
			http.Error(w, "Comment not found", http.StatusNotFound)
			log.Debugf("[reactionHandler][%s] comment ID:%v: %v", sID, commentID, err)
		case errors.Is(err, storage.ErrUnknownReaction):
			http.Error(w, "Unknown reaction", http.StatusBadRequest)
			log.Debugf("[reactionHandler][%s] unknown reaction: %v", sID, err)
		default:
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			log.Errorf("[reactionHandler][%s] ApplyReaction() returned error: %v", sID, err)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	log.Debugf("[reactionHandler][%s] %s toggled on comment ID:%v", sID, reaction, commentID)
}

func (api *API) healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (api *API) broadcast(frame models.EventFrame) {
	if api.hub == nil {
		return
	}
	api.hub.Broadcast(frame)
}

// GetRequestID extracts the request ID from the context.
// It returns the request ID as a string if present, otherwise returns an empty string.
func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(RequestIDKey).(string); ok {
		return v
	}
	return ""
}

// shorten truncates a string to 6 characters if it is longer than 6, appends '...' at the end,
// otherwise it returns the string unchanged.
func shorten(s string) string {
	if len(s) > 6 {
		return s[:6] + "..."
	}
	return s
}
