package adminapi

import (
	"net/http"
	"strings"

	"github.com/kelurahan-dev/jadwal/internal/domain"
	"github.com/kelurahan-dev/jadwal/internal/webserver"
	"github.com/labstack/echo/v4"
)

func registerOprLogRoutes() {
	webserver.ApiGET("/system/oprlogs", listOprLogs)
}

func listOprLogs(c echo.Context) error {
	page, pageSize := parsePagination(c)

	base := GetDB(c).Model(&domain.SysOprLog{})
	if action := strings.TrimSpace(c.QueryParam("action")); action != "" {
		base = base.Where("opt_action = ?", action)
	}
	if name := strings.TrimSpace(c.QueryParam("opr_name")); name != "" {
		base = base.Where("opr_name = ?", name)
	}

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query operator logs", err.Error())
	}
	var logs []domain.SysOprLog
	if err := base.Order("opt_time DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&logs).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query operator logs", err.Error())
	}
	return paged(c, logs, total, page, pageSize)
}
