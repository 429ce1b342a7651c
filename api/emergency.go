package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kilianp07/ambulance/core/apperr"
	"github.com/kilianp07/ambulance/core/lifecycle"
	"github.com/kilianp07/ambulance/core/model"
)

type createEmergencyRequest struct {
	PatientID        string         `json:"patient_id"`
	Location         model.Location `json:"location"`
	Severity         string         `json:"severity"`
	Description      string         `json:"description"`
	PatientCondition string         `json:"patient_condition"`
}

func (s *Server) createEmergency(c *gin.Context) {
	var body createEmergencyRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, apperr.Validationf("invalid body: %v", err))
		return
	}
	patient := strings.TrimSpace(c.GetHeader(HeaderPatientID))
	switch {
	case patient == "":
		patient = body.PatientID
	case body.PatientID != "" && body.PatientID != patient:
		fail(c, apperr.Validationf("patient_id does not match %s", HeaderPatientID))
		return
	}
	sev, err := model.ParseSeverity(body.Severity)
	if err != nil {
		fail(c, apperr.Validationf("%v", err))
		return
	}
	em, err := s.deps.Dispatcher.Submit(c.Request.Context(), lifecycle.CreateRequest{
		PatientID:        patient,
		Location:         body.Location,
		Severity:         sev,
		Description:      body.Description,
		PatientCondition: body.PatientCondition,
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, em)
}

func (s *Server) getEmergency(c *gin.Context) {
	em, err := s.deps.Emergencies.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, em)
}

func (s *Server) patientEmergencies(c *gin.Context) {
	list, err := s.deps.Emergencies.ListActive(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if list == nil {
		list = []model.EmergencyRequest{}
	}
	ok(c, http.StatusOK, list)
}

func (s *Server) cancelEmergency(c *gin.Context) {
	em, err := s.deps.Dispatcher.Cancel(c.Request.Context(), c.Param("id"), c.GetHeader(HeaderPatientID))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, em)
}

type progressRequest struct {
	Event string `json:"event" binding:"required"`
}

func (s *Server) progressEmergency(c *gin.Context) {
	var body progressRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, apperr.Validationf("invalid body: %v", err))
		return
	}
	ev, err := lifecycle.ParseEvent(body.Event)
	if err != nil {
		fail(c, apperr.Validationf("%v", err))
		return
	}
	em, err := s.deps.Dispatcher.Progress(c.Request.Context(), c.Param("id"), ev, c.GetHeader(HeaderDriverID))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, em)
}

func (s *Server) assignmentHistory(c *gin.Context) {
	list, err := s.deps.Dispatcher.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if list == nil {
		list = []model.Assignment{}
	}
	ok(c, http.StatusOK, list)
}

func (s *Server) getAssignment(c *gin.Context) {
	a, err := s.deps.Dispatcher.Assignment(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, a)
}

type respondRequest struct {
	Decision model.Decision `json:"decision" binding:"required"`
	DriverID string         `json:"driver_id"`
}

func (s *Server) respond(c *gin.Context) {
	var body respondRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, apperr.Validationf("invalid body: %v", err))
		return
	}
	a, err := s.deps.Dispatcher.Respond(c.Request.Context(), c.Param("id"), body.Decision, driverOf(c, body.DriverID))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, a)
}

type withdrawRequest struct {
	Reason   string `json:"reason"`
	DriverID string `json:"driver_id"`
}

func (s *Server) withdraw(c *gin.Context) {
	var body withdrawRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			fail(c, apperr.Validationf("invalid body: %v", err))
			return
		}
	}
	a, err := s.deps.Dispatcher.Withdraw(c.Request.Context(), c.Param("id"), driverOf(c, body.DriverID), body.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, a)
}

// driverOf prefers the identity header over a driver id in the body.
func driverOf(c *gin.Context, fallback string) string {
	if d := strings.TrimSpace(c.GetHeader(HeaderDriverID)); d != "" {
		return d
	}
	return fallback
}
