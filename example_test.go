package amqp_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/amqp10-go/amqp"
)

func Example() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Create client
	client, err := amqp.Dial("amqps://my-namespace.servicebus.windows.net",
		amqp.ConnSASLPlain("access-key-name", "access-key"),
	)
	if err != nil {
		log.Fatal("Dialing AMQP server:", err)
	}
	defer client.Close()

	// Open a session
	session, err := client.NewSession(ctx)
	if err != nil {
		log.Fatal("Creating AMQP session:", err)
	}

	// Send a message
	{
		// Create a sender
		sender, err := session.NewSender(ctx,
			amqp.LinkTargetAddress("/queue-name"),
		)
		if err != nil {
			log.Fatal("Creating sender link:", err)
		}

		// Send message
		err = sender.Send(ctx, amqp.NewMessage([]byte("Hello!")))
		if err != nil {
			log.Fatal("Sending message:", err)
		}

		sender.Close(ctx)
	}

	// Continuously read messages
	{
		// Create a receiver
		receiver, err := session.NewReceiver(ctx,
			amqp.LinkSourceAddress("/queue-name"),
			amqp.LinkCredit(10),
		)
		if err != nil {
			log.Fatal("Creating receiver link:", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			receiver.Close(ctx)
			cancel()
		}()

		for {
			// Receive next message
			msg, err := receiver.Receive(ctx)
			if err != nil {
				log.Fatal("Reading message from AMQP:", err)
			}

			// Accept message
			if err := msg.Accept(ctx); err != nil {
				log.Fatal("Accepting message:", err)
			}

			fmt.Printf("Message received: %s\n", msg.GetData())
		}
	}
}
