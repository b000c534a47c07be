// Package handler exposes the workflow services over HTTP. Every response
// uses the same envelope.
package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"escrowflow/internal/apperror"
	"escrowflow/internal/authz"
)

type Response struct {
	Success bool                `json:"success"`
	Message string              `json:"message"`
	Data    any                 `json:"data,omitempty"`
	Errors  map[string][]string `json:"errors,omitempty"`
	Meta    map[string]any      `json:"meta,omitempty"`
}

const actorKey = "actor"

// SetActor stores the authenticated caller on the request.
func SetActor(c *gin.Context, actor authz.Actor) {
	c.Set(actorKey, actor)
}

// ActorFrom returns the caller set by the auth middleware.
func ActorFrom(c *gin.Context) (authz.Actor, bool) {
	v, ok := c.Get(actorKey)
	if !ok {
		return authz.Actor{}, false
	}
	actor, ok := v.(authz.Actor)
	return actor, ok
}

func respond(c *gin.Context, status int, message string, data any) {
	c.JSON(status, Response{Success: true, Message: message, Data: data})
}

// Fail writes err as an error envelope. Internal errors are reported
// without detail.
func Fail(c *gin.Context, err error) {
	var appErr *apperror.Error
	if !errors.As(err, &appErr) {
		appErr = apperror.Wrap(apperror.KindInternal, err, "internal error")
	}
	msg := appErr.Message
	if appErr.Kind == apperror.KindInternal {
		msg = "internal error"
	}
	c.AbortWithStatusJSON(apperror.HTTPStatus(appErr.Kind), Response{
		Success: false,
		Message: msg,
		Errors:  appErr.Fields,
		Meta:    map[string]any{"error_kind": appErr.Kind},
	})
}

// actor fails the request with 401 when no caller is attached.
func actor(c *gin.Context) (authz.Actor, bool) {
	a, ok := ActorFrom(c)
	if !ok {
		Fail(c, apperror.New(apperror.KindUnauthenticated, "authentication required"))
	}
	return a, ok
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		Fail(c, apperror.Validation(name, "must be a positive integer"))
		return 0, false
	}
	return id, true
}

// bind decodes the JSON body into req. An empty body is accepted when
// optional is set.
func bind(c *gin.Context, req any, optional bool) bool {
	if optional && c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(req); err != nil {
		Fail(c, apperror.Validation("body", "invalid request body: "+err.Error()))
		return false
	}
	return true
}
