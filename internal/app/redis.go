package app

import (
	"flora-session/internal/common/logging"
	"flora-session/internal/redis"
)

func (app *App) initializeRedis() error {
	if !app.Config.UsesRedis() {
		app.Logger.Debug("Redis: Not configured")
		return nil
	}

	redisClient, err := redis.NewClient(&redis.Config{
		Address:  app.Config.RedisAddress,
		Password: app.Config.RedisPassword,
		DB:       app.Config.RedisDB,
		PoolSize: app.Config.RedisPoolSize,
	})
	if err != nil {
		return err
	}

	app.RedisClient = redisClient
	app.Logger.Info("Redis: Connected", logging.String("address", app.Config.RedisAddress))
	return nil
}
