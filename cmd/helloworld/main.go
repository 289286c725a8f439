// Command helloworld exposes com.example.SimpleService on the session bus,
// implementing the "hello sentence" scenario: SayHello("") returns "Hello,
// world!", SayHello("Alice") returns "Hello, Alice!".
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/meshbus/dbus"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "helloworld:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()
	router, err := dbus.Connect(ctx, dbus.SessionBusAddress())
	if err != nil {
		return err
	}
	defer router.Close()

	svc := dbus.NewService("com.example.SimpleService")
	desc := dbus.NewInterfaceDescriptor("com.example.SimpleService")
	desc.Methods["SayHello"] = &dbus.MethodDescriptor{
		Name:   "SayHello",
		InSig:  mustParse("s"),
		OutSig: mustParse("s"),
	}
	iface := dbus.NewInterface(desc)
	iface.SetMethod("SayHello", func(_ context.Context, args []interface{}) ([]interface{}, error) {
		who, _ := args[0].(string)
		if who == "" {
			return []interface{}{"Hello, world!"}, nil
		}
		return []interface{}{"Hello, " + who + "!"}, nil
	})
	svc.Root().AddInterface(iface)

	if err := router.RegisterService(ctx, svc); err != nil {
		return err
	}

	fmt.Println("com.example.SimpleService running as", router.UniqueName())
	select {}
}

func mustParse(sig string) []*dbus.SignatureTree {
	trees, err := dbus.ParseSignature(sig)
	if err != nil {
		panic(err)
	}
	return trees
}
