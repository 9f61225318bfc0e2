package attendance

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type Handler struct{ svc *Service }

func RegisterRoutes(r gin.IRoutes, svc *Service) {
	h := &Handler{svc: svc}

	// 打刻
	r.POST("/attendance/check-in", h.CheckIn)
	r.POST("/attendance/check-out", h.CheckOut)

	// UI表示用
	r.GET("/attendance/status", h.Status)

	// ローカルミラー（拠点内レポート）
	r.GET("/attendance/history", h.History)
	r.GET("/attendance/history/export", h.ExportCSV)
	r.GET("/attendance/stats", h.Stats)
}

// ---------- handlers ----------

// POST /attendance/check-in
// 位置検証→ジオフェンス判定→サーバ打刻。送信中の再送信は409。
func (h *Handler) CheckIn(c *gin.Context) {
	res, err := h.svc.CheckIn(c.Request.Context())
	if err != nil {
		c.JSON(toHTTPStatus(err), errorFromErr(err))
		return
	}
	c.JSON(http.StatusCreated, res)
}

// POST /attendance/check-out （手動。PIN必須）
func (h *Handler) CheckOut(c *gin.Context) {
	var req CheckOutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(CodeInvalidArgument, "invalid json or missing pin"))
		return
	}
	if err := h.svc.CheckOutManual(c.Request.Context(), req.PIN); err != nil {
		c.JSON(toHTTPStatus(err), errorFromErr(err))
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /attendance/status
func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Status())
}

// GET /attendance/history
func (h *Handler) History(c *gin.Context) {
	q := listQueryFromContext(c)
	items, total, err := h.svc.History(c.Request.Context(), q)
	if err != nil {
		c.JSON(toHTTPStatus(err), errorFromErr(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total})
}

// GET /attendance/history/export : Shift-JIS CSV
func (h *Handler) ExportCSV(c *gin.Context) {
	q := listQueryFromContext(c)
	buf, err := h.svc.ExportCSV(c.Request.Context(), q)
	if err != nil {
		c.JSON(toHTTPStatus(err), errorFromErr(err))
		return
	}
	c.Header("Content-Disposition", `attachment; filename="attendance.csv"`)
	c.Data(http.StatusOK, "text/csv; charset=Shift_JIS", buf)
}

// GET /attendance/stats?from=&to=
func (h *Handler) Stats(c *gin.Context) {
	rows, err := h.svc.Stats(c.Request.Context(), c.Query("from"), c.Query("to"))
	if err != nil {
		c.JSON(toHTTPStatus(err), errorFromErr(err))
		return
	}
	c.JSON(http.StatusOK, rows)
}

// ---------- helpers ----------

func listQueryFromContext(c *gin.Context) ListQuery {
	q := ListQuery{
		Limit:  parseIntDefault(c.Query("limit"), DefaultPageLimit),
		Offset: parseIntDefault(c.Query("offset"), 0),
		Sort:   c.DefaultQuery("sort", DefaultSort),
	}
	if v := c.Query("from"); v != "" {
		q.From = &v
	}
	if v := c.Query("to"); v != "" {
		q.To = &v
	}
	if v := c.Query("reason"); v != "" {
		q.Reason = &v
	}
	return q
}

type errorDTO struct {
	Error struct {
		Code    Code   `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func errorBody(code Code, msg string) errorDTO {
	var e errorDTO
	e.Error.Code = code
	e.Error.Message = msg
	return e
}

func errorFromErr(err error) errorDTO {
	var msg string
	var code Code = CodeInternal
	if api, ok := err.(*APIError); ok {
		code, msg = api.Code, api.Message
	} else {
		msg = err.Error()
	}
	return errorBody(code, msg)
}
