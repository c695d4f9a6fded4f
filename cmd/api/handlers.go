package main

import (
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"classtrack/internal/auth"
	"classtrack/internal/checkin"
	"classtrack/internal/cloudinary"
	"classtrack/internal/domain"
	"classtrack/internal/queue"
	"classtrack/internal/schedule"
	"classtrack/internal/session"
)

// writeErr maps domain error kinds onto HTTP statuses with a stable
// code string, so clients can react per kind.
func writeErr(c *gin.Context, err error) {
	kind := domain.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case domain.KindValidation:
		status = http.StatusUnprocessableEntity
	case domain.KindConflict, domain.KindInvalidState:
		status = http.StatusConflict
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindForbidden:
		status = http.StatusForbidden
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("internal error: %v", err)
		msg = "internal error"
	}
	c.JSON(status, gin.H{"code": kind.Code(), "error": msg})
}

func registerSlotRoutes(g *gin.RouterGroup, slots *schedule.Service) {
	g.POST("/slots", func(c *gin.Context) {
		var in schedule.SlotInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slot, err := slots.Create(c.Request.Context(), auth.CallerFrom(c), in)
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusCreated, slot)
	})

	g.GET("/slots/:id", func(c *gin.Context) {
		slot, err := slots.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, slot)
	})

	g.GET("/teachers/:id/slots", func(c *gin.Context) {
		res, err := slots.ListByTeacher(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"slots": res})
	})

	g.PUT("/slots/:id", func(c *gin.Context) {
		var in schedule.SlotInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slot, err := slots.Update(c.Request.Context(), auth.CallerFrom(c), c.Param("id"), in)
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, slot)
	})

	g.POST("/slots/:id/deactivate", func(c *gin.Context) {
		slot, err := slots.Deactivate(c.Request.Context(), auth.CallerFrom(c), c.Param("id"))
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, slot)
	})

	g.POST("/slots/:id/reactivate", func(c *gin.Context) {
		slot, err := slots.Reactivate(c.Request.Context(), auth.CallerFrom(c), c.Param("id"))
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, slot)
	})

	g.DELETE("/slots/:id", func(c *gin.Context) {
		if err := slots.Delete(c.Request.Context(), auth.CallerFrom(c), c.Param("id")); err != nil {
			writeErr(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
}

func registerWindowRoutes(g *gin.RouterGroup, sessions *session.Service) {
	g.POST("/slots/:id/windows", func(c *gin.Context) {
		var req struct {
			Date   string `json:"date" binding:"required"`
			Topic  string `json:"topic"`
			Policy string `json:"review_policy"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		date, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			writeErr(c, domain.Validationf("date %q is not YYYY-MM-DD", req.Date))
			return
		}
		w, err := sessions.Open(c.Request.Context(), auth.CallerFrom(c), c.Param("id"), date, req.Topic, session.ReviewPolicy(req.Policy))
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusCreated, w)
	})

	toggle := func(fn func(c *gin.Context) (session.Window, error)) gin.HandlerFunc {
		return func(c *gin.Context) {
			w, err := fn(c)
			if err != nil {
				writeErr(c, err)
				return
			}
			c.JSON(http.StatusOK, w)
		}
	}
	g.POST("/windows/:id/activate", toggle(func(c *gin.Context) (session.Window, error) {
		return sessions.Activate(c.Request.Context(), auth.CallerFrom(c), c.Param("id"))
	}))
	g.POST("/windows/:id/deactivate", toggle(func(c *gin.Context) (session.Window, error) {
		return sessions.Deactivate(c.Request.Context(), auth.CallerFrom(c), c.Param("id"))
	}))
	g.POST("/windows/:id/close", toggle(func(c *gin.Context) (session.Window, error) {
		return sessions.Close(c.Request.Context(), auth.CallerFrom(c), c.Param("id"))
	}))

	g.GET("/slots/:id/windows", func(c *gin.Context) {
		res, err := sessions.ListBySlot(c.Request.Context(), auth.CallerFrom(c), c.Param("id"))
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"windows": res})
	})

	g.GET("/windows/:id/qr", func(c *gin.Context) {
		png, err := sessions.QRCode(c.Request.Context(), auth.CallerFrom(c), c.Param("id"))
		if err != nil {
			writeErr(c, err)
			return
		}
		c.Data(http.StatusOK, "image/png", png)
	})
}

// registerResolveRoute lets any authenticated caller turn a scanned
// token into its window. The token is the only lookup key; whether the
// window accepts submissions is reported alongside.
func registerResolveRoute(g *gin.RouterGroup, sessions *session.Service) {
	g.GET("/windows/resolve", func(c *gin.Context) {
		w, err := sessions.Resolve(c.Request.Context(), c.Query("token"))
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"window":    w,
			"accepting": sessions.AcceptingNow(w),
		})
	})
}

func registerCheckinRoutes(g *gin.RouterGroup, records *checkin.Service, q queue.Queue) {
	g.POST("/checkins", func(c *gin.Context) {
		var req struct {
			WindowID       string    `json:"window_id"`
			Token          string    `json:"token"`
			StudentID      string    `json:"student_id"`
			StudentLabel   string    `json:"student_label"`
			ProofURL       string    `json:"proof_url"`
			At             time.Time `json:"at"`
			Classification string    `json:"classification"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		caller := auth.CallerFrom(c)
		studentID := req.StudentID
		if caller.Role == domain.RoleStudent {
			// Students check themselves in regardless of the payload.
			studentID = caller.ID
		}
		in := checkin.SubmitInput{
			Window:         checkin.WindowRef{ID: req.WindowID, Token: req.Token},
			Student:        domain.StudentIdentity{ID: studentID, Label: strings.TrimSpace(req.StudentLabel)},
			ProofURL:       req.ProofURL,
			Classification: checkin.Classification(req.Classification),
		}
		if !req.At.IsZero() {
			at := req.At
			in.At = &at
		}
		rec, err := records.Submit(c.Request.Context(), caller, in)
		if err != nil {
			writeErr(c, err)
			return
		}

		if err := q.Publish(c.Request.Context(), queue.Message{Type: queue.TypeCheckin, Body: []byte(rec.ID)}); err != nil {
			log.Printf("queue publish failed: %v", err)
		}
		c.JSON(http.StatusCreated, rec)
	})

	g.POST("/records/:id/confirm", func(c *gin.Context) {
		rec, err := records.Confirm(c.Request.Context(), auth.CallerFrom(c), c.Param("id"))
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	})

	g.POST("/records/:id/reject", func(c *gin.Context) {
		var req struct {
			Reason string `json:"reason"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rec, err := records.Reject(c.Request.Context(), auth.CallerFrom(c), c.Param("id"), req.Reason)
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	})

	g.GET("/windows/:id/records", func(c *gin.Context) {
		res, err := records.ListByWindow(c.Request.Context(), auth.CallerFrom(c), c.Param("id"))
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": res})
	})

	g.GET("/students/:id/records", func(c *gin.Context) {
		limit, offset := 50, 0
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		if v := c.Query("offset"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				offset = parsed
			}
		}
		res, err := records.ListByStudent(c.Request.Context(), auth.CallerFrom(c), c.Param("id"), limit, offset)
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": res})
	})
}

// registerUploadRoute exposes the proof-image passthrough. Returns the
// public Cloudinary URL so the caller can use it in /v1/checkins.
func registerUploadRoute(g *gin.RouterGroup, cdn *cloudinary.Client) {
	g.POST("/upload", func(c *gin.Context) {
		if cdn == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image storage not configured"})
			return
		}

		var result *cloudinary.UploadResult
		var err error
		switch {
		case strings.Contains(c.ContentType(), "multipart/form-data"):
			file, header, ferr := c.Request.FormFile("file")
			if ferr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "file field required"})
				return
			}
			defer file.Close()
			data, ferr := io.ReadAll(file)
			if ferr != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "read file failed"})
				return
			}
			result, err = cdn.UploadBytes(data, header.Filename)
		default:
			var body struct {
				Data string `json:"data" binding:"required"`
			}
			if berr := c.ShouldBindJSON(&body); berr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "provide {\"data\": \"<base64 data URL>\"}"})
				return
			}
			result, err = cdn.UploadBase64(body.Data)
		}
		if err != nil {
			log.Printf("cloudinary upload failed: %v", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "image upload failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"url":       result.SecureURL,
			"public_id": result.PublicID,
			"bytes":     result.Bytes,
		})
	})
}
