package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/entrhq/autopilot/pkg/mail"
	"github.com/entrhq/autopilot/pkg/queue"
	"github.com/entrhq/autopilot/pkg/store"
	"github.com/entrhq/autopilot/pkg/types"
)

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, mail.ErrNoMailbox):
		status = http.StatusNotFound
	case errors.Is(err, queue.ErrEmptyRequest):
		status = http.StatusBadRequest
	case errors.Is(err, queue.ErrTaskFinished), errors.Is(err, queue.ErrRunningElsewhere), errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, queue.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

type submitRequest struct {
	ID       string   `json:"id"`
	Accounts []string `json:"accounts" binding:"required,min=1"`
	Stages   []string `json:"stages"`
	Optional []string `json:"optional"`
}

func (s *Server) submitTask(c *gin.Context) {
	var in submitRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req := queue.Request{ID: in.ID, Accounts: in.Accounts, Stages: in.Stages, Optional: in.Optional}
	if len(req.Stages) == 0 {
		req.Stages = s.defaultStages
		if len(req.Optional) == 0 {
			req.Optional = s.defaultOptional
		}
	}
	id, err := s.deps.Tasks.Submit(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	if sub := Subject(c); sub != "" {
		s.logger.Infof("task %s submitted by %s", id, sub)
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": id})
}

func (s *Server) listTasks(c *gin.Context) {
	tasks, err := s.deps.Tasks.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if status := c.Query("status"); status != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.Status) == status {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	c.JSON(http.StatusOK, tasks)
}

func (s *Server) getTask(c *gin.Context) {
	task, err := s.deps.Tasks.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) cancelTask(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Tasks.Cancel(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	if sub := Subject(c); sub != "" {
		s.logger.Infof("task %s cancelled by %s", id, sub)
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

func (s *Server) taskTrace(c *gin.Context) {
	events, err := s.deps.Traces.Timeline(c.Request.Context(), c.Param("id"), c.Query("account"))
	if err != nil {
		writeError(c, err)
		return
	}
	if events == nil {
		events = []types.TraceEvent{}
	}
	c.JSON(http.StatusOK, events)
}

// accountView is an account without its secrets.
type accountView struct {
	ID           string                       `json:"id"`
	Email        string                       `json:"email"`
	ParentID     string                       `json:"parent_id,omitempty"`
	SeatCapacity int                          `json:"seat_capacity,omitempty"`
	Children     []string                     `json:"children,omitempty"`
	HasOTP       bool                         `json:"has_otp"`
	Stages       map[string]types.StageRecord `json:"stages,omitempty"`
}

func viewOf(a *types.Account) accountView {
	return accountView{
		ID:           a.ID,
		Email:        a.Email,
		ParentID:     a.ParentID,
		SeatCapacity: a.SeatCapacity,
		Children:     a.Children,
		HasOTP:       a.OTPSecret != "",
		Stages:       a.Stages,
	}
}

func (s *Server) listAccounts(c *gin.Context) {
	accounts, err := s.deps.Accounts.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, viewOf(a))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getAccount(c *gin.Context) {
	a, err := s.deps.Accounts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(a))
}

func (s *Server) pool(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"stats":  s.deps.Pool.Stats(),
		"leases": s.deps.Pool.Leases(),
	})
}

// knownAddress reports whether inbound mail to addr has a recipient: a
// mailbox created through the provider or the email of an account.
func (s *Server) knownAddress(c *gin.Context, addr string) (bool, error) {
	dir, hasDir := s.deps.Mail.(mail.Directory)
	if !hasDir && s.deps.Accounts == nil {
		return true, nil
	}
	if hasDir {
		ok, err := dir.Registered(c.Request.Context(), addr)
		if err != nil || ok {
			return ok, err
		}
	}
	if s.deps.Accounts == nil {
		return false, nil
	}
	accounts, err := s.deps.Accounts.List(c.Request.Context())
	if err != nil {
		return false, err
	}
	for _, a := range accounts {
		if strings.EqualFold(strings.TrimSpace(a.Email), strings.TrimSpace(addr)) {
			return true, nil
		}
	}
	return false, nil
}
