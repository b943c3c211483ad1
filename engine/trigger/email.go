package trigger

import (
	"context"
	"fmt"
	"regexp"

	"github.com/sinas-platform/sinas/engine/core"
	"github.com/sinas-platform/sinas/engine/dispatch"
	"github.com/sinas-platform/sinas/engine/execution"
	"github.com/sinas-platform/sinas/pkg/logger"
)

// EmailMessage is one inbound email as delivered by the mail
// integration.
type EmailMessage struct {
	Sender  string
	Subject string
	Body    string
}

// EmailRoute binds message patterns to a function. Empty patterns
// match everything; non-empty ones are regular expressions matched
// against the respective field.
type EmailRoute struct {
	ID             core.ID
	Function       core.FunctionRef
	SenderPattern  string
	SubjectPattern string
	BodyPattern    string
}

// compiledRoute caches the compiled patterns.
type compiledRoute struct {
	route   *EmailRoute
	sender  *regexp.Regexp
	subject *regexp.Regexp
	body    *regexp.Regexp
}

func (r *compiledRoute) matches(msg *EmailMessage) bool {
	if r.sender != nil && !r.sender.MatchString(msg.Sender) {
		return false
	}
	if r.subject != nil && !r.subject.MatchString(msg.Subject) {
		return false
	}
	if r.body != nil && !r.body.MatchString(msg.Body) {
		return false
	}
	return true
}

// Email matches inbound messages against configured routes and
// dispatches a fire-and-forget execution per match, with the message
// as input.
type Email struct {
	dispatcher *dispatch.Dispatcher
	routes     []*compiledRoute
}

func NewEmail(dispatcher *dispatch.Dispatcher, routes []*EmailRoute) (*Email, error) {
	compiled := make([]*compiledRoute, 0, len(routes))
	for _, route := range routes {
		cr := &compiledRoute{route: route}
		var err error
		if cr.sender, err = compilePattern(route.SenderPattern); err != nil {
			return nil, fmt.Errorf("route %s sender pattern: %w", route.ID, err)
		}
		if cr.subject, err = compilePattern(route.SubjectPattern); err != nil {
			return nil, fmt.Errorf("route %s subject pattern: %w", route.ID, err)
		}
		if cr.body, err = compilePattern(route.BodyPattern); err != nil {
			return nil, fmt.Errorf("route %s body pattern: %w", route.ID, err)
		}
		compiled = append(compiled, cr)
	}
	return &Email{dispatcher: dispatcher, routes: compiled}, nil
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	return regexp.Compile(pattern)
}

// Deliver routes one inbound message. Every matching route dispatches
// its own execution; the returned slice holds them in route order. A
// message matching nothing is dropped silently.
func (e *Email) Deliver(ctx context.Context, msg *EmailMessage) ([]*execution.Execution, error) {
	log := logger.FromContext(ctx)
	var dispatched []*execution.Execution
	for _, cr := range e.routes {
		if !cr.matches(msg) {
			continue
		}
		exec, err := e.dispatcher.Enqueue(ctx, &dispatch.Request{
			Function:    cr.route.Function,
			TriggerType: core.TriggerEmail,
			TriggerID:   cr.route.ID.String(),
			Input: core.Input{
				"sender":  msg.Sender,
				"subject": msg.Subject,
				"body":    msg.Body,
			},
		})
		if err != nil {
			return dispatched, err
		}
		log.Info("email routed", "route_id", cr.route.ID, "exec_id", exec.ExecID)
		dispatched = append(dispatched, exec)
	}
	return dispatched, nil
}
