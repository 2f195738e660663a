package main

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// UserIdentity is what the session collaborator supplies: who is calling
// and whether they may use admin operations.
type UserIdentity struct {
	UserID  string
	IsAdmin bool
}

// IdentityProvider resolves the calling user from a request. The core only
// consumes the result; identity management itself lives elsewhere.
type IdentityProvider interface {
	Resolve(c *gin.Context) (*UserIdentity, error)
}

// headerIdentity trusts a gateway-injected X-User-Id header and backs the
// admin flag with the user_info row, creating the row with the initial
// space allotment the first time a user shows up.
type headerIdentity struct {
	db           *sql.DB
	initialSpace int64
}

func (h *headerIdentity) Resolve(c *gin.Context) (*UserIdentity, error) {
	userID := c.GetHeader("X-User-Id")
	if userID == "" || !patternID.MatchString(userID) {
		return nil, errInvalidParam("missing or malformed user identity")
	}
	if _, err := h.db.Exec(`INSERT OR IGNORE INTO user_info (user_id, nick_name, total_space)
		VALUES (?, ?, ?)`, userID, c.GetHeader("X-User-Name"), h.initialSpace); err != nil {
		return nil, err
	}
	var isAdmin bool
	if err := h.db.QueryRow(`SELECT is_admin FROM user_info WHERE user_id = ?`,
		userID).Scan(&isAdmin); err != nil {
		return nil, err
	}
	return &UserIdentity{UserID: userID, IsAdmin: isAdmin}, nil
}

type API struct {
	coordinator *Coordinator
	catalog     *Catalog
	ledger      *QuotaLedger
	apiKey      string
	identity    IdentityProvider
}

func NewAPI(coordinator *Coordinator, catalog *Catalog, ledger *QuotaLedger, apiKey string, identity IdentityProvider) *API {
	return &API{
		coordinator: coordinator,
		catalog:     catalog,
		ledger:      ledger,
		apiKey:      apiKey,
		identity:    identity,
	}
}

func (a *API) RegisterRoutes(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	api.Use(a.authMiddleware())
	api.Use(a.identityMiddleware())

	api.POST("/file/upload", a.uploadFile)
	api.POST("/file/folder", a.newFolder)
	api.POST("/file/rename", a.renameFile)
	api.GET("/space", a.getSpace)

	api.POST("/recycle/remove", a.removeToRecycle)
	api.POST("/recycle/recover", a.recoverFiles)
	api.POST("/recycle/purge", a.purgeFiles)

	api.POST("/admin/quota", a.setQuota)
}

func (a *API) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-API-Key") != a.apiKey {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			c.Abort()
			return
		}
		c.Next()
	}
}

const identityKey = "identity"

func (a *API) identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := a.identity.Resolve(c)
		if err != nil {
			respondError(c, err)
			c.Abort()
			return
		}
		c.Set(identityKey, user)
		c.Next()
	}
}

func currentUser(c *gin.Context) *UserIdentity {
	return c.MustGet(identityKey).(*UserIdentity)
}

func respondError(c *gin.Context, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		status := http.StatusBadRequest
		switch appErr.Code {
		case CodeQuotaExceeded:
			status = http.StatusInsufficientStorage
		case CodeNotFound:
			status = http.StatusNotFound
		case CodeNameExists:
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"code": appErr.Code, "error": appErr.Message})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

var uploadRules = []Rule{
	{Name: "fileId", Pattern: patternID},
	{Name: "fileName", Required: true, Max: 250, Pattern: patternName},
	{Name: "filePid", Required: true, Pattern: patternID},
	{Name: "fileMd5", Required: true, Pattern: patternMD5},
	{Name: "chunkIndex", Required: true},
	{Name: "chunks", Required: true},
}

func (a *API) uploadFile(c *gin.Context) {
	params := map[string]string{
		"fileId":     c.PostForm("fileId"),
		"fileName":   c.PostForm("fileName"),
		"filePid":    c.PostForm("filePid"),
		"fileMd5":    c.PostForm("fileMd5"),
		"chunkIndex": c.PostForm("chunkIndex"),
		"chunks":     c.PostForm("chunks"),
	}
	if err := ValidateParams(params, uploadRules); err != nil {
		respondError(c, err)
		return
	}
	chunkIndex, err := strconv.Atoi(params["chunkIndex"])
	if err != nil || chunkIndex < 0 {
		respondError(c, errInvalidParam("chunkIndex must be a non-negative integer"))
		return
	}
	chunks, err := strconv.Atoi(params["chunks"])
	if err != nil || chunks < 1 || chunkIndex >= chunks {
		respondError(c, errInvalidParam("chunks must be a positive integer greater than chunkIndex"))
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		respondError(c, errInvalidParam("no file provided"))
		return
	}
	defer file.Close()

	result, err := a.coordinator.SubmitChunk(currentUser(c), &ChunkUpload{
		FileID:     params["fileId"],
		FileName:   params["fileName"],
		FilePid:    params["filePid"],
		FileMD5:    params["fileMd5"],
		ChunkIndex: chunkIndex,
		ChunkCount: chunks,
		Size:       header.Size,
		Data:       file,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (a *API) newFolder(c *gin.Context) {
	params := map[string]string{
		"filePid":  c.PostForm("filePid"),
		"fileName": c.PostForm("fileName"),
	}
	rules := []Rule{
		{Name: "filePid", Required: true, Pattern: patternID},
		{Name: "fileName", Required: true, Max: 250, Pattern: patternName},
	}
	if err := ValidateParams(params, rules); err != nil {
		respondError(c, err)
		return
	}
	folder, err := a.catalog.NewFolder(currentUser(c).UserID, params["filePid"], params["fileName"])
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, folder)
}

func (a *API) renameFile(c *gin.Context) {
	params := map[string]string{
		"fileId":   c.PostForm("fileId"),
		"fileName": c.PostForm("fileName"),
	}
	rules := []Rule{
		{Name: "fileId", Required: true, Pattern: patternID},
		{Name: "fileName", Required: true, Max: 250, Pattern: patternName},
	}
	if err := ValidateParams(params, rules); err != nil {
		respondError(c, err)
		return
	}
	f, err := a.catalog.Rename(params["fileId"], currentUser(c).UserID, params["fileName"])
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

func (a *API) getSpace(c *gin.Context) {
	snap, err := a.ledger.GetUsage(currentUser(c).UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func fileIDList(c *gin.Context) ([]string, error) {
	raw := c.PostForm("fileIds")
	if raw == "" {
		return nil, errInvalidParam("parameter %q is required", "fileIds")
	}
	ids := splitNonEmpty(raw, ",")
	for _, id := range ids {
		if !patternID.MatchString(id) {
			return nil, errInvalidParam("malformed file id %q", id)
		}
	}
	return ids, nil
}

func (a *API) removeToRecycle(c *gin.Context) {
	ids, err := fileIDList(c)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := a.catalog.MoveToRecycle(currentUser(c).UserID, ids); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "moved to recycle bin"})
}

func (a *API) recoverFiles(c *gin.Context) {
	ids, err := fileIDList(c)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := a.catalog.RecoverBatch(currentUser(c).UserID, ids); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "recovered"})
}

func (a *API) purgeFiles(c *gin.Context) {
	user := currentUser(c)
	ids, err := fileIDList(c)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := a.catalog.DeleteBatch(user.UserID, ids, user.IsAdmin); err != nil {
		respondError(c, err)
		return
	}
	// Usage changed; recount and refresh the cached snapshot.
	if err := a.ledger.Refresh(user.UserID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "deleted"})
}

func (a *API) setQuota(c *gin.Context) {
	user := currentUser(c)
	if !user.IsAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin only"})
		return
	}
	targetUser := c.PostForm("userId")
	totalMB, err := strconv.ParseInt(c.PostForm("totalSpaceMB"), 10, 64)
	if targetUser == "" || err != nil || totalMB <= 0 {
		respondError(c, errInvalidParam("userId and positive totalSpaceMB required"))
		return
	}
	if err := a.ledger.SetTotal(targetUser, totalMB*1024*1024); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "quota updated"})
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
