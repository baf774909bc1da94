package api

import (
	"encoding/json"
	"fmt"

	"github.com/andi/fileconvert/backend/conversion"
	"github.com/andi/fileconvert/backend/models"
	"github.com/gofiber/fiber/v2"
)

// JobResponse is a job as returned by the API
type JobResponse struct {
	*models.Job
	DownloadURL string `json:"download_url,omitempty"`
}

func newJobResponse(job *models.Job) JobResponse {
	resp := JobResponse{Job: job}
	if job.Status == models.JobStatusCompleted {
		resp.DownloadURL = fmt.Sprintf("/api/v1/jobs/%s/download", job.ID)
	}
	return resp
}

func owner(c *fiber.Ctx) string {
	o, _ := c.Locals(ownerLocal).(string)
	return o
}

// ============== Engine Handlers ==============

func (s *Server) listEngines(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"engines": s.service.Engines()})
}

func (s *Server) getEngine(c *fiber.Ctx) error {
	e, err := s.service.Engine(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(e.Info())
}

func (s *Server) getEngineConversions(c *fiber.Ctx) error {
	e, err := s.service.Engine(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"engine":      e.ID,
		"conversions": e.Conversions(),
	})
}

func (s *Server) validateConversion(c *fiber.Ctx) error {
	engineID, from, to := c.Query("engine"), c.Query("from"), c.Query("to")
	if engineID == "" || from == "" || to == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error: "engine, from and to are required",
			Code:  "BAD_REQUEST",
		})
	}
	if err := s.service.Validate(engineID, from, to); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"valid": true, "engine": engineID, "from": from, "to": to})
}

func (s *Server) getEnginesForFormat(c *fiber.Ctx) error {
	engines, err := s.service.EnginesForInput(c.Params("format"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"format": c.Params("format"), "engines": engines})
}

func (s *Server) suggestConversions(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"suggestions": s.service.Suggest(c.Query("from"), c.Query("to"))})
}

// ============== Job Handlers ==============

func (s *Server) createJob(c *fiber.Ctx) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "file is required", Code: "INVALID_FILE"})
	}

	engineID := c.FormValue("engine")
	targetFormat := c.FormValue("target_format")
	if engineID == "" || targetFormat == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error: "engine and target_format are required",
			Code:  "BAD_REQUEST",
		})
	}

	var options json.RawMessage
	if raw := c.FormValue("options"); raw != "" {
		options = json.RawMessage(raw)
	}

	file, err := fileHeader.Open()
	if err != nil {
		return err
	}
	defer file.Close()

	job, err := s.service.CreateJob(c.UserContext(), conversion.CreateJobInput{
		Owner:        owner(c),
		Filename:     fileHeader.Filename,
		EngineID:     engineID,
		TargetFormat: targetFormat,
		Options:      options,
		Data:         file,
		Size:         fileHeader.Size,
	})
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(newJobResponse(job))
}

func (s *Server) listJobs(c *fiber.Ctx) error {
	jobs, err := s.service.ListJobs(owner(c))
	if err != nil {
		return err
	}

	resp := make([]JobResponse, len(jobs))
	for i, job := range jobs {
		resp[i] = newJobResponse(job)
	}
	return c.JSON(fiber.Map{"jobs": resp, "total": len(resp)})
}

func (s *Server) getJob(c *fiber.Ctx) error {
	job, err := s.service.GetJobForOwner(c.Params("id"), owner(c))
	if err != nil {
		return err
	}
	return c.JSON(newJobResponse(job))
}

func (s *Server) deleteJob(c *fiber.Ctx) error {
	if err := s.service.DeleteJob(c.UserContext(), c.Params("id"), owner(c)); err != nil {
		return err
	}
	return c.JSON(SuccessResponse{Message: "Job deleted successfully"})
}

func (s *Server) downloadJob(c *fiber.Ctx) error {
	path, job, err := s.service.OutputFile(c.Params("id"), owner(c))
	if err != nil {
		return err
	}
	return c.Download(path, job.OutputFilename)
}

// ============== Monitoring Handlers ==============

func (s *Server) getDispatcherStats(c *fiber.Ctx) error {
	return c.JSON(s.stats.Stats())
}
