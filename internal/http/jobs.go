package http

import (
	"errors"
	"net/http"

	"github.com/jmehdipour/evently/internal/model"
	"github.com/jmehdipour/evently/internal/repository"
	echo "github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

// getJobHandler answers "did this run?" from stored state alone: the job row
// plus its complete attempt ledger.
func getJobHandler(jobsRepo repository.JobsRepository, attemptsRepo repository.AttemptsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")

		job, err := jobsRepo.GetByID(c.Request().Context(), id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
			}
			log.Errorf("get job failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		attempts, err := attemptsRepo.ListByJob(c.Request().Context(), id)
		if err != nil {
			log.Errorf("list attempts failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"id":           job.ID,
			"event_id":     job.EventID,
			"route_id":     job.RouteID,
			"action_type":  job.ActionType.String(),
			"status":       job.Status.String(),
			"attempt":      job.Attempt,
			"max_attempts": job.MaxAttempts,
			"created_at":   job.CreatedAt,
			"updated_at":   job.UpdatedAt,
			"attempts":     attemptsView(attempts),
		})
	}
}

func attemptsView(attempts []model.Attempt) []map[string]any {
	out := make([]map[string]any, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, map[string]any{
			"attempt_no":       a.AttemptNo,
			"started_at":       a.StartedAt,
			"finished_at":      a.FinishedAt,
			"success":          a.Success,
			"status_code":      a.StatusCode,
			"error":            a.Error,
			"response_snippet": a.ResponseSnippet,
		})
	}
	return out
}
