package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
)

const bearerScheme = "BearerAuth"

var (
	openAPIOnce sync.Once
	openAPIJSON []byte
	openAPIErr  error
)

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	openAPIOnce.Do(func() {
		openAPIJSON, openAPIErr = json.Marshal(buildOpenAPIDoc())
	})
	if openAPIErr != nil {
		s.logger.Error("failed to render OpenAPI document", "error", openAPIErr)
		s.writeError(w, http.StatusInternalServerError, "failed to render OpenAPI document")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openAPIJSON)
}

// buildOpenAPIDoc describes every route the server mounts.
func buildOpenAPIDoc() *openapi3.T {
	errorSchema := openapi3.NewObjectSchema().WithProperty("error", openapi3.NewStringSchema())

	resultSchema := openapi3.NewObjectSchema().
		WithProperty("published_location", openapi3.NewStringSchema()).
		WithProperty("executor", openapi3.NewStringSchema()).
		WithProperty("duration_ms", openapi3.NewInt64Schema()).
		WithProperty("output", openapi3.NewStringSchema())

	attemptSchema := openapi3.NewObjectSchema().
		WithProperty("number", openapi3.NewIntegerSchema()).
		WithProperty("worker_id", openapi3.NewStringSchema()).
		WithProperty("outcome", openapi3.NewStringSchema().WithEnum("succeeded", "failed", "expired")).
		WithProperty("reason", openapi3.NewStringSchema()).
		WithProperty("started_at", openapi3.NewDateTimeSchema()).
		WithProperty("finished_at", openapi3.NewDateTimeSchema())

	jobSchema := openapi3.NewObjectSchema().
		WithProperty("id", openapi3.NewStringSchema()).
		WithProperty("state", openapi3.NewStringSchema().WithEnum("waiting", "active", "completed", "failed", "delayed_retry")).
		WithProperty("attempts_made", openapi3.NewIntegerSchema()).
		WithProperty("max_attempts", openapi3.NewIntegerSchema()).
		WithProperty("result", resultSchema).
		WithProperty("failure_reason", openapi3.NewStringSchema()).
		WithProperty("agent", openapi3.NewStringSchema()).
		WithProperty("source_repo", openapi3.NewStringSchema()).
		WithProperty("branch", openapi3.NewStringSchema()).
		WithProperty("commit_ref", openapi3.NewStringSchema()).
		WithProperty("triggered_manually", openapi3.NewBoolSchema()).
		WithProperty("enqueued_at", openapi3.NewDateTimeSchema()).
		WithProperty("updated_at", openapi3.NewDateTimeSchema()).
		WithProperty("next_attempt_at", openapi3.NewDateTimeSchema()).
		WithProperty("attempts", openapi3.NewArraySchema().WithItems(attemptSchema))
	jobSchema.Required = []string{"id", "state", "attempts_made"}

	deployRequest := openapi3.NewObjectSchema().
		WithProperty("branch", openapi3.NewStringSchema()).
		WithProperty("commit_ref", openapi3.NewStringSchema()).
		WithProperty("commit_message", openapi3.NewStringSchema())

	decisionSchema := openapi3.NewObjectSchema().
		WithProperty("outcome", openapi3.NewStringSchema().WithEnum("enqueued", "unknown_agent", "branch_not_eligible", "auto_deploy_disabled")).
		WithProperty("job_id", openapi3.NewStringSchema()).
		WithProperty("agent", openapi3.NewStringSchema()).
		WithProperty("branch", openapi3.NewStringSchema())

	agentSchema := openapi3.NewObjectSchema().
		WithProperty("name", openapi3.NewStringSchema()).
		WithProperty("source_repo", openapi3.NewStringSchema()).
		WithProperty("auto_deploy", openapi3.NewBoolSchema()).
		WithProperty("allowed_branches", openapi3.NewArraySchema().WithItems(openapi3.NewStringSchema())).
		WithProperty("default_branch", openapi3.NewStringSchema())

	healthSchema := openapi3.NewObjectSchema().
		WithProperty("status", openapi3.NewStringSchema()).
		WithProperty("uptime_seconds", openapi3.NewInt64Schema()).
		WithProperty("queue_depth", openapi3.NewObjectSchema().WithAdditionalProperties(openapi3.NewIntegerSchema())).
		WithProperty("pending", openapi3.NewIntegerSchema()).
		WithProperty("agents_loaded", openapi3.NewIntegerSchema()).
		WithProperty("workers", openapi3.NewIntegerSchema())

	secured := openapi3.NewSecurityRequirements().With(openapi3.NewSecurityRequirement().Authenticate(bearerScheme))

	healthz := openapi3.NewOperation()
	healthz.OperationID = "getHealthz"
	healthz.Summary = "Liveness and queue depth"
	healthz.Responses = openapi3.NewResponses(
		openapi3.WithStatus(http.StatusOK, jsonResponse("Service is up", healthSchema)),
	)

	deploy := openapi3.NewOperation()
	deploy.OperationID = "deployAgent"
	deploy.Summary = "Manually trigger a deployment"
	deploy.Tags = []string{"deploy"}
	deploy.Security = secured
	deploy.AddParameter(openapi3.NewPathParameter("agent").WithSchema(openapi3.NewStringSchema()))
	deploy.RequestBody = &openapi3.RequestBodyRef{
		Value: openapi3.NewRequestBody().WithJSONSchema(deployRequest),
	}
	deploy.Responses = openapi3.NewResponses(
		openapi3.WithStatus(http.StatusAccepted, jsonResponse("Job enqueued", decisionSchema)),
		openapi3.WithStatus(http.StatusOK, jsonResponse("Trigger rejected; outcome explains why", decisionSchema)),
		openapi3.WithStatus(http.StatusBadRequest, jsonResponse("Bad request", errorSchema)),
		openapi3.WithStatus(http.StatusForbidden, jsonResponse("Insufficient scope", errorSchema)),
	)

	getJob := openapi3.NewOperation()
	getJob.OperationID = "getJob"
	getJob.Summary = "Current status of a deploy job"
	getJob.Tags = []string{"jobs"}
	getJob.Security = secured
	getJob.AddParameter(openapi3.NewPathParameter("jobID").WithSchema(openapi3.NewStringSchema()))
	getJob.Responses = openapi3.NewResponses(
		openapi3.WithStatus(http.StatusOK, jsonResponse("Job status", jobSchema)),
		openapi3.WithStatus(http.StatusNotFound, jsonResponse("Unknown or purged job", errorSchema)),
	)

	listAgents := openapi3.NewOperation()
	listAgents.OperationID = "listAgents"
	listAgents.Summary = "Registered agents"
	listAgents.Tags = []string{"agents"}
	listAgents.Security = secured
	listAgents.Responses = openapi3.NewResponses(
		openapi3.WithStatus(http.StatusOK, jsonResponse("Agent registry",
			openapi3.NewObjectSchema().WithProperty("agents", openapi3.NewArraySchema().WithItems(agentSchema)))),
	)

	streamEvents := openapi3.NewOperation()
	streamEvents.OperationID = "streamEvents"
	streamEvents.Summary = "Server-sent job lifecycle events"
	streamEvents.Tags = []string{"events"}
	streamEvents.Security = secured
	streamEvents.AddParameter(openapi3.NewQueryParameter("types").WithSchema(openapi3.NewStringSchema()))
	eventStream := openapi3.NewResponse().WithDescription("text/event-stream")
	eventStream.Content = openapi3.NewContentWithSchema(openapi3.NewStringSchema(), []string{"text/event-stream"})
	streamEvents.Responses = openapi3.NewResponses(
		openapi3.WithStatus(http.StatusOK, &openapi3.ResponseRef{Value: eventStream}),
	)

	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:   "Shipyard",
			Version: "1.0",
		},
		Paths: openapi3.NewPaths(
			openapi3.WithPath("/healthz", &openapi3.PathItem{Get: healthz}),
			openapi3.WithPath("/deploy/{agent}", &openapi3.PathItem{Post: deploy}),
			openapi3.WithPath("/job/{jobID}", &openapi3.PathItem{Get: getJob}),
			openapi3.WithPath("/agents", &openapi3.PathItem{Get: listAgents}),
			openapi3.WithPath("/events", &openapi3.PathItem{Get: streamEvents}),
		),
		Components: &openapi3.Components{
			SecuritySchemes: openapi3.SecuritySchemes{
				bearerScheme: &openapi3.SecuritySchemeRef{
					Value: &openapi3.SecurityScheme{Type: "http", Scheme: "bearer"},
				},
			},
		},
	}
	return doc
}

func jsonResponse(description string, schema *openapi3.Schema) *openapi3.ResponseRef {
	return &openapi3.ResponseRef{
		Value: openapi3.NewResponse().WithDescription(description).WithJSONSchema(schema),
	}
}
