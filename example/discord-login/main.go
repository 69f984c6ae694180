package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rexteam/discordlogin/auth"
	"github.com/rexteam/discordlogin/middleware"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := godotenv.Load(); err != nil {
		log.Info().Msg("no .env file found, using environment variables")
	}

	clientID := os.Getenv("DISCORD_CLIENT_ID")
	clientSecret := os.Getenv("DISCORD_CLIENT_SECRET")
	secretKey := os.Getenv("SESSION_SECRET_KEY")
	if clientID == "" || clientSecret == "" || secretKey == "" {
		log.Fatal().Msg("DISCORD_CLIENT_ID, DISCORD_CLIENT_SECRET and SESSION_SECRET_KEY must be set")
	}

	guard, err := auth.New(auth.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		SecretKey:    secretKey,
		BotToken:     os.Getenv("DISCORD_BOT_TOKEN"),
		// Local development runs over plain http.
		CookieOptions: []middleware.SecureCookieOption{middleware.WithSecure(false)},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("building login guard")
	}

	// In a real deployment this happens once the bot connection is up;
	// until then guarded routes answer 503.
	guard.BindDefaultResolver()

	mux := http.NewServeMux()

	mux.Handle("/dashboard", guard.RequireLogin()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.UserFromContext(r.Context())
		if !ok {
			http.Error(w, "login did not produce a user", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "welcome, %s (id %s)\n", user.Name(), user.ID)
	})))

	// Force mode: the page renders for everyone, logged in or not.
	mux.Handle("/", guard.RequireLogin(auth.Force())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, ok := auth.UserFromContext(r.Context()); ok {
			fmt.Fprintf(w, "hello %s, visit /dashboard\n", user.Name())
			return
		}
		fmt.Fprintln(w, "hello stranger, visit /dashboard to log in")
	})))

	addr := os.Getenv("ADDR")
	if addr == "" {
		addr = ":8080"
	}
	log.Info().Str("addr", addr).Msg("listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
