package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/rustworthy/batching-proxy/internal/batch"
	"github.com/rustworthy/batching-proxy/internal/cache"
	"github.com/rustworthy/batching-proxy/internal/http/middleware"
	"github.com/rustworthy/batching-proxy/internal/telemetry"
)

type API struct {
	dispatcher *batch.Dispatcher
	cache      cache.Store
	logger     *log.Logger
}

type APIDependencies struct {
	Dispatcher *batch.Dispatcher
	Cache      cache.Store // nil disables the response cache
	Logger     *log.Logger
}

func NewAPI(deps APIDependencies) *API {
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &API{
		dispatcher: deps.Dispatcher,
		cache:      deps.Cache,
		logger:     logger,
	}
}

type embedRequest struct {
	// Pointer so an absent field is distinguishable from an empty list.
	Inputs *[]string `json:"inputs"`
}

// Embed converts the inbound request into an envelope, pushes it onto the
// dispatcher's intake, and awaits the one-shot reply. Runtime failures
// surface as a bare 500; the structured cause only reaches the logs.
func (api *API) Embed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var request embedRequest
	if err := decodeJSON(r, &request); err != nil {
		writeUnprocessable(w, "body must be a JSON object with an inputs array")
		return
	}
	if request.Inputs == nil {
		writeUnprocessable(w, "inputs field is required")
		return
	}
	inputs := *request.Inputs

	var signature string
	if api.cache != nil {
		signature = cache.Signature(inputs)
		if body, ok := api.cache.Get(r.Context(), signature); ok {
			telemetry.CacheRequestsTotal.WithLabelValues("hit").Inc()
			writeRawJSON(w, http.StatusOK, body)
			return
		}
		telemetry.CacheRequestsTotal.WithLabelValues("miss").Inc()
	}

	envelope := batch.NewEnvelope(r.Context(), inputs)
	if err := api.dispatcher.Enqueue(r.Context(), envelope); err != nil {
		api.logger.Printf(
			"enqueue failed request_id=%s err=%v",
			middleware.GetRequestID(r.Context()), err,
		)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	select {
	case result := <-envelope.Reply():
		api.respond(w, r, signature, result)
	case <-r.Context().Done():
		// Caller gone; the dispatcher observes the dead context at delivery
		// time and logs it.
		return
	case <-api.dispatcher.Done():
		// The final flush delivers before Done closes, so a buffered reply
		// still wins here.
		select {
		case result := <-envelope.Reply():
			api.respond(w, r, signature, result)
		default:
			api.logger.Printf(
				"dispatcher exited before reply request_id=%s",
				middleware.GetRequestID(r.Context()),
			)
			w.WriteHeader(http.StatusInternalServerError)
		}
	}
}

func (api *API) respond(w http.ResponseWriter, r *http.Request, signature string, result batch.Result) {
	if result.Err != nil {
		api.logger.Printf(
			"embedding request failed request_id=%s err=%v",
			middleware.GetRequestID(r.Context()), result.Err,
		)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	encoded, err := json.Marshal(result.Embeddings)
	if err != nil {
		api.logger.Printf(
			"encode response failed request_id=%s err=%v",
			middleware.GetRequestID(r.Context()), err,
		)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if result.Embeddings == nil {
		encoded = []byte("[]")
	}

	if api.cache != nil && signature != "" {
		api.cache.Set(r.Context(), signature, encoded)
	}
	writeRawJSON(w, http.StatusOK, encoded)
}
