package handler

import (
	"relaychat/internal/app/chat"
	"relaychat/internal/app/store"
	"relaychat/internal/configs"
)

type AppDeps struct {
	Broker *chat.Broker
	Policy *chat.Policy
	Store  store.Store
	Config *configs.AppConfig
}
