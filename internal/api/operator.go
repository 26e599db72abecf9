package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/exposnap/internal/controller"
	"github.com/dgnsrekt/exposnap/internal/requests"
	"github.com/dgnsrekt/exposnap/internal/snapshot"
)

func imageURL(id string) string {
	return "/api/v1/screenshots/" + id + "/image"
}

func registerCaptureHandlers(api huma.API, svc Service) {
	type captureOutput struct {
		Body struct {
			controller.CaptureResult
			URL string `json:"url"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "capture", Method: http.MethodPost, Path: "/api/v1/capture", Summary: "Request a screenshot and wait for it", Description: "Creates a capture request, then blocks until a peer uploads a screenshot or the request times out (504).", Tags: []string{"Capture"}},
		func(ctx context.Context, input *struct {
			Body struct {
				Description string `json:"description,omitempty" maxLength:"500" doc:"Free-form note attached to the request and the screenshot"`
			} `required:"false"`
		}) (*captureOutput, error) {
			result, err := svc.Capture(ctx, input.Body.Description)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &captureOutput{}
			out.Body.CaptureResult = result
			out.Body.URL = imageURL(result.Screenshot.ID)
			return out, nil
		})

	type listRequestsOutput struct {
		Body struct {
			Requests []requests.Request `json:"requests"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-requests", Method: http.MethodGet, Path: "/api/v1/requests", Summary: "List retained capture requests", Tags: []string{"Capture"}},
		func(ctx context.Context, input *struct{}) (*listRequestsOutput, error) {
			out := &listRequestsOutput{}
			out.Body.Requests = svc.ListRequests()
			if out.Body.Requests == nil {
				out.Body.Requests = []requests.Request{}
			}
			return out, nil
		})

	type getRequestOutput struct {
		Body requests.Request
	}
	huma.Register(api, huma.Operation{OperationID: "get-request", Method: http.MethodGet, Path: "/api/v1/requests/{request_id}", Summary: "Get capture request status", Tags: []string{"Capture"}},
		func(ctx context.Context, input *struct {
			RequestID string `path:"request_id"`
		}) (*getRequestOutput, error) {
			req, err := svc.GetRequest(input.RequestID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &getRequestOutput{Body: req}, nil
		})
}

func registerScreenshotHandlers(api huma.API, svc Service) {
	type listScreenshotsOutput struct {
		Body struct {
			Screenshots []snapshot.Meta `json:"screenshots"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-screenshots", Method: http.MethodGet, Path: "/api/v1/screenshots", Summary: "List screenshots, newest first", Tags: []string{"Screenshots"}},
		func(ctx context.Context, input *struct {
			Limit int `query:"limit" default:"10" minimum:"1" maximum:"50"`
		}) (*listScreenshotsOutput, error) {
			out := &listScreenshotsOutput{}
			out.Body.Screenshots = svc.ListScreenshots(input.Limit)
			if out.Body.Screenshots == nil {
				out.Body.Screenshots = []snapshot.Meta{}
			}
			return out, nil
		})

	type screenshotOutput struct {
		Body struct {
			snapshot.Meta
			URL string `json:"url"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "latest-screenshot", Method: http.MethodGet, Path: "/api/v1/screenshots/latest", Summary: "Get the newest screenshot", Tags: []string{"Screenshots"}},
		func(ctx context.Context, input *struct{}) (*screenshotOutput, error) {
			meta, err := svc.LatestScreenshot()
			if err != nil {
				return nil, mapErr(err)
			}
			out := &screenshotOutput{}
			out.Body.Meta = meta
			out.Body.URL = imageURL(meta.ID)
			return out, nil
		})

	type screenshotIDInput struct {
		ScreenshotID string `path:"screenshot_id"`
	}
	huma.Register(api, huma.Operation{OperationID: "get-screenshot-metadata", Method: http.MethodGet, Path: "/api/v1/screenshots/{screenshot_id}/metadata", Summary: "Get screenshot metadata", Tags: []string{"Screenshots"}},
		func(ctx context.Context, input *screenshotIDInput) (*screenshotOutput, error) {
			meta, err := svc.GetScreenshot(input.ScreenshotID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &screenshotOutput{}
			out.Body.Meta = meta
			out.Body.URL = imageURL(meta.ID)
			return out, nil
		})

	type imageOutput struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}
	huma.Register(api, huma.Operation{OperationID: "get-screenshot-image", Method: http.MethodGet, Path: "/api/v1/screenshots/{screenshot_id}/image", Summary: "Download screenshot image", Tags: []string{"Screenshots"}},
		func(ctx context.Context, input *screenshotIDInput) (*imageOutput, error) {
			data, format, err := svc.ReadScreenshotImage(input.ScreenshotID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &imageOutput{ContentType: contentType(format), Body: data}, nil
		})

	type deleteScreenshotOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "delete-screenshot", Method: http.MethodDelete, Path: "/api/v1/screenshots/{screenshot_id}", Summary: "Delete screenshot", Tags: []string{"Screenshots"}},
		func(ctx context.Context, input *screenshotIDInput) (*deleteScreenshotOutput, error) {
			if err := svc.DeleteScreenshot(input.ScreenshotID); err != nil {
				return nil, mapErr(err)
			}
			out := &deleteScreenshotOutput{}
			out.Body.Status = "deleted"
			return out, nil
		})
}

func registerStatusHandlers(api huma.API, svc Service) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})

	type peerOutput struct {
		Body controller.PeerStatus
	}
	huma.Register(api, huma.Operation{OperationID: "peer-status", Method: http.MethodGet, Path: "/api/v1/peer", Summary: "Peer presence", Description: "Reports whether a peer has polled within the presence window.", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*peerOutput, error) {
			return &peerOutput{Body: svc.Peer()}, nil
		})
}

func contentType(format string) string {
	switch format {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	default:
		return "image/png"
	}
}
