package adminhandler

import (
	"net/http"

	"chatrelay/internal/persistence"
	"chatrelay/internal/relay"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

// Registry is the read side of the hub.
type Registry interface {
	Users() []string
	Rooms() []*relay.Room
	Room(id string) (*relay.Room, bool)
	Snapshot() persistence.Snapshot
}

type Handler struct {
	reg Registry
}

func New(reg Registry) *Handler { return &Handler{reg: reg} }

func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/healthz", h.health)
	r.GET("/users", h.users)
	r.GET("/rooms", h.rooms)
	r.GET("/rooms/:id", h.room)
	r.GET("/snapshot", h.snapshot)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status: "ok",
		Users:  len(h.reg.Users()),
		Rooms:  len(h.reg.Rooms()),
	})
}

func (h *Handler) users(c *gin.Context) {
	users := h.reg.Users()
	c.JSON(http.StatusOK, UsersResponse{Users: users, Count: len(users)})
}

// rooms lists rooms ordered by id, paginated with limit and offset.
func (h *Handler) rooms(c *gin.Context) {
	var q ListRoomsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	rooms := h.reg.Rooms()
	start := min(q.Offset, len(rooms))
	end := min(start+q.Limit, len(rooms))
	c.JSON(http.StatusOK, lo.Map(rooms[start:end], func(r *relay.Room, _ int) RoomDTO {
		return toDTO(r)
	}))
}

func (h *Handler) room(c *gin.Context) {
	r, ok := h.reg.Room(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: relay.ErrRoomNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, toDTO(r))
}

// snapshot returns the document the persistence layer would write now.
func (h *Handler) snapshot(c *gin.Context) {
	data, err := persistence.Marshal(h.reg.Snapshot())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", data)
}

func toDTO(r *relay.Room) RoomDTO {
	return RoomDTO{ID: r.ID(), Name: r.Name(), Members: r.MemberUsernames()}
}
