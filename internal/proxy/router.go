package proxy

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/claudecode-proxy/gateway/internal/models"
)

// Router dispatches each call by the owning user's routing strategy:
// plan_first tries the plan upstream and falls back to Bedrock on retryable
// failures, bedrock_only goes straight to Bedrock with no fallback.
type Router struct {
	plan    Adapter
	bedrock Adapter
	breaker *CircuitBreaker
	budget  *BudgetService

	budgetRejectionHook func()
}

// SetBudgetRejectionHook registers a callback fired whenever a call is
// blocked by the monthly budget.
func (r *Router) SetBudgetRejectionHook(hook func()) {
	r.budgetRejectionHook = hook
}

// NewRouter creates the router.
func NewRouter(plan, bedrock Adapter, breaker *CircuitBreaker, budget *BudgetService) *Router {
	return &Router{plan: plan, bedrock: bedrock, breaker: breaker, budget: budget}
}

// Route runs a unary call to completion.
func (r *Router) Route(ctx context.Context, rctx *RequestContext, req *Request) *ProxyResponse {
	if rctx.RoutingStrategy == models.RoutingBedrockOnly {
		return r.routeBedrockOnly(ctx, rctx, req)
	}
	return r.routePlanFirst(ctx, rctx, req)
}

func (r *Router) routePlanFirst(ctx context.Context, rctx *RequestContext, req *Request) *ProxyResponse {
	planAttempted := false

	if !r.breaker.IsOpen(rctx.AccessKeyID) {
		planAttempted = true
		result, errInvoke := r.plan.Invoke(ctx, rctx, req)
		if errInvoke == nil {
			r.breaker.RecordSuccess(rctx.AccessKeyID)
			return successResponse(ProviderPlan, result, false)
		}

		adapterErr := asAdapterError(errInvoke)
		r.breaker.RecordFailure(rctx.AccessKeyID, adapterErr.Kind)

		if !adapterErr.Retryable || !adapterErr.Kind.Retryable() {
			return errorResponse(ProviderPlan, adapterErr, false)
		}
	} else {
		log.WithFields(log.Fields{
			"request_id": rctx.RequestID,
			"access_key": rctx.KeyPrefix,
			"routing":    rctx.RoutingStrategy,
		}).Info("plan skipped, circuit open")
	}

	if rctx.HasBedrockKey {
		if denied := r.checkBudget(ctx, rctx, planAttempted); denied != nil {
			return denied
		}

		result, errInvoke := r.bedrock.Invoke(ctx, rctx, req)
		if errInvoke == nil {
			return successResponse(ProviderBedrock, result, planAttempted)
		}
		return errorResponse(ProviderBedrock, asAdapterError(errInvoke), planAttempted)
	}

	return &ProxyResponse{
		Success:      false,
		Provider:     ProviderPlan,
		Status:       503,
		ErrorType:    "overloaded_error",
		ErrorMessage: "Service unavailable and no fallback configured",
	}
}

func (r *Router) routeBedrockOnly(ctx context.Context, rctx *RequestContext, req *Request) *ProxyResponse {
	if !rctx.HasBedrockKey {
		return &ProxyResponse{
			Success:      false,
			Provider:     ProviderBedrock,
			Status:       503,
			ErrorType:    "api_error",
			ErrorMessage: "Bedrock key not configured for bedrock_only routing",
		}
	}

	if denied := r.checkBudget(ctx, rctx, false); denied != nil {
		return denied
	}

	result, errInvoke := r.bedrock.Invoke(ctx, rctx, req)
	if errInvoke == nil {
		return successResponse(ProviderBedrock, result, false)
	}
	return errorResponse(ProviderBedrock, asAdapterError(errInvoke), false)
}

// Stream routes a streaming call. A non-nil Err on the result means no
// stream was opened and the error should be sent as a JSON body.
func (r *Router) Stream(ctx context.Context, rctx *RequestContext, req *Request) *StreamResult {
	if rctx.RoutingStrategy == models.RoutingBedrockOnly {
		return r.streamBedrockOnly(ctx, rctx, req)
	}
	return r.streamPlanFirst(ctx, rctx, req)
}

func (r *Router) streamPlanFirst(ctx context.Context, rctx *RequestContext, req *Request) *StreamResult {
	planAttempted := false

	if !r.breaker.IsOpen(rctx.AccessKeyID) {
		planAttempted = true
		handle, errStream := r.plan.Stream(ctx, rctx, req)
		if errStream == nil {
			r.breaker.RecordSuccess(rctx.AccessKeyID)
			return &StreamResult{Stream: handle, Provider: ProviderPlan}
		}

		adapterErr := asAdapterError(errStream)
		r.breaker.RecordFailure(rctx.AccessKeyID, adapterErr.Kind)

		shouldFallback := rctx.HasBedrockKey && adapterErr.Retryable && adapterErr.Kind.Retryable()
		if !shouldFallback {
			return &StreamResult{Provider: ProviderPlan, Err: errorResponse(ProviderPlan, adapterErr, false)}
		}
	} else if !rctx.HasBedrockKey {
		return &StreamResult{Provider: ProviderPlan, Err: &ProxyResponse{
			Success:      false,
			Provider:     ProviderPlan,
			Status:       503,
			ErrorType:    "overloaded_error",
			ErrorMessage: "Service unavailable and no fallback configured",
		}}
	}

	if denied := r.checkBudget(ctx, rctx, planAttempted); denied != nil {
		return &StreamResult{Provider: ProviderBedrock, IsFallback: planAttempted, Err: denied}
	}

	handle, errStream := r.bedrock.Stream(ctx, rctx, req)
	if errStream != nil {
		return &StreamResult{
			Provider:   ProviderBedrock,
			IsFallback: planAttempted,
			Err:        errorResponse(ProviderBedrock, asAdapterError(errStream), planAttempted),
		}
	}
	return &StreamResult{Stream: handle, Provider: ProviderBedrock, IsFallback: planAttempted}
}

func (r *Router) streamBedrockOnly(ctx context.Context, rctx *RequestContext, req *Request) *StreamResult {
	if !rctx.HasBedrockKey {
		return &StreamResult{Provider: ProviderBedrock, Err: &ProxyResponse{
			Success:      false,
			Provider:     ProviderBedrock,
			Status:       503,
			ErrorType:    "api_error",
			ErrorMessage: "Bedrock key not configured for bedrock_only routing",
		}}
	}

	if denied := r.checkBudget(ctx, rctx, false); denied != nil {
		return &StreamResult{Provider: ProviderBedrock, Err: denied}
	}

	handle, errStream := r.bedrock.Stream(ctx, rctx, req)
	if errStream != nil {
		return &StreamResult{
			Provider: ProviderBedrock,
			Err:      errorResponse(ProviderBedrock, asAdapterError(errStream), false),
		}
	}
	return &StreamResult{Stream: handle, Provider: ProviderBedrock}
}

// checkBudget gates Bedrock spend. It fails closed: a budget lookup error
// blocks the call rather than risking unmetered spend.
func (r *Router) checkBudget(ctx context.Context, rctx *RequestContext, isFallback bool) *ProxyResponse {
	result, errCheck := r.budget.CheckBudget(ctx, rctx.UserID, false)
	if errCheck != nil {
		return &ProxyResponse{
			Success:      false,
			Provider:     ProviderBedrock,
			IsFallback:   isFallback,
			Status:       500,
			ErrorType:    "api_error",
			ErrorMessage: "Budget check failed",
		}
	}
	if result.Allowed {
		return nil
	}
	if r.budgetRejectionHook != nil {
		r.budgetRejectionHook()
	}
	return &ProxyResponse{
		Success:      false,
		Provider:     ProviderBedrock,
		IsFallback:   isFallback,
		Status:       429,
		ErrorType:    "rate_limit_error",
		ErrorMessage: FormatBudgetExceeded(result),
	}
}

func successResponse(provider string, result *AdapterResponse, isFallback bool) *ProxyResponse {
	return &ProxyResponse{
		Success:    true,
		Body:       result.Body,
		Usage:      result.Usage,
		Provider:   provider,
		Model:      result.Model,
		IsFallback: isFallback,
		Status:     200,
	}
}

func errorResponse(provider string, err *AdapterError, isFallback bool) *ProxyResponse {
	return &ProxyResponse{
		Success:      false,
		Provider:     provider,
		IsFallback:   isFallback,
		Status:       err.Status,
		ErrorType:    err.Kind.AnthropicType(),
		ErrorMessage: err.Message,
	}
}

// asAdapterError normalizes any adapter failure to *AdapterError.
func asAdapterError(err error) *AdapterError {
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		return adapterErr
	}
	return NewAdapterError(ErrKindServerError, 502, err.Error())
}
