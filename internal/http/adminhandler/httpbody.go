package adminhandler

type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Users  int    `json:"users"`
	Rooms  int    `json:"rooms"`
}

type UsersResponse struct {
	Users []string `json:"users"`
	Count int      `json:"count"`
}

type RoomDTO struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

type ListRoomsQuery struct {
	Limit  int `form:"limit,default=100" binding:"gte=0,lte=1000"`
	Offset int `form:"offset,default=0"  binding:"gte=0"`
}
