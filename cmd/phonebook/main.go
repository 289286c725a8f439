// Command phonebook exposes com.example.PhoneBook on the session bus,
// implementing the "PhoneBook add/remove" scenario: AddContact appends a
// child object under Contacts/<id>, NbContacts and Contacts track the
// roster, and DeleteContacts removes child objects by path.
package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/meshbus/dbus"
)

type contact struct {
	path  dbus.ObjectPath
	name  string
	phone string
	age   uint16
}

type phoneBook struct {
	mu       sync.Mutex
	router   *dbus.Router
	service  *dbus.Service
	root     *dbus.ObjectNode
	contacts map[dbus.ObjectPath]*contact
	order    []dbus.ObjectPath

	nbContacts *dbus.PropertyCell[uint16]
	roster     *dbus.ListCell[[]interface{}]
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "phonebook:", err)
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

	svc := dbus.NewService("com.example.PhoneBook")
	svc.Root().EnableObjectManager()

	pb := &phoneBook{router: router, service: svc, root: svc.Root(), contacts: map[dbus.ObjectPath]*contact{}}

	desc := dbus.NewInterfaceDescriptor("com.example.PhoneBook")
	desc.Methods["AddContact"] = &dbus.MethodDescriptor{Name: "AddContact", InSig: sig("ssq"), OutSig: sig("o")}
	desc.Methods["DeleteContacts"] = &dbus.MethodDescriptor{Name: "DeleteContacts", InSig: sig("ao"), OutSig: nil}

	iface := dbus.NewInterface(desc)
	pb.nbContacts = dbus.AddProperty(iface, "NbContacts", dbus.AccessRead, uint16(0))
	pb.roster = dbus.AddListProperty[[]interface{}](iface, "Contacts", dbus.AccessRead, nil)

	iface.SetMethod("AddContact", pb.addContact)
	iface.SetMethod("DeleteContacts", pb.deleteContacts)
	pb.root.AddInterface(iface)

	if err := router.RegisterService(ctx, svc); err != nil {
		return err
	}

	fmt.Println("com.example.PhoneBook running as", router.UniqueName())
	select {}
}

func (pb *phoneBook) addContact(_ context.Context, args []interface{}) ([]interface{}, error) {
	name, _ := args[0].(string)
	phone, _ := args[1].(string)
	age, _ := args[2].(uint16)

	childName := pb.root.GenerateChildName()

	contactDesc := dbus.NewInterfaceDescriptor("com.example.PhoneBook.Contact")
	contactIface := dbus.NewInterface(contactDesc)
	dbus.AddProperty(contactIface, "Name", dbus.AccessRead, name)
	dbus.AddProperty(contactIface, "Phone", dbus.AccessRead, phone)
	dbus.AddProperty(contactIface, "Age", dbus.AccessRead, age)

	child := dbus.NewObjectNode()
	child.AddInterface(contactIface)
	if err := pb.root.AddObject(child, "Contacts/"+childName); err != nil {
		return nil, err
	}

	pb.mu.Lock()
	c := &contact{path: child.Path(), name: name, phone: phone, age: age}
	pb.contacts[c.path] = c
	pb.order = append(pb.order, c.path)
	pb.mu.Unlock()

	if err := pb.nbContacts.Set(uint16(len(pb.order))); err != nil {
		return nil, err
	}
	if err := pb.roster.Append(rosterEntry(c)); err != nil {
		return nil, err
	}
	return []interface{}{child.Path()}, nil
}

func (pb *phoneBook) deleteContacts(_ context.Context, args []interface{}) ([]interface{}, error) {
	paths, _ := args[0].([]interface{})
	doomed := make(map[dbus.ObjectPath]bool, len(paths))
	for _, p := range paths {
		path, _ := p.(dbus.ObjectPath)
		doomed[path] = true
	}

	pb.mu.Lock()
	remaining := pb.order[:0:0]
	for _, p := range pb.order {
		if doomed[p] {
			delete(pb.contacts, p)
			continue
		}
		remaining = append(remaining, p)
	}
	pb.order = remaining
	count := len(pb.order)
	pb.mu.Unlock()

	for path := range doomed {
		rel := relativeTo(pb.root.Path(), path)
		if err := pb.root.RemoveObject(rel); err != nil {
			return nil, err
		}
	}

	if err := pb.nbContacts.Set(uint16(count)); err != nil {
		return nil, err
	}
	if err := pb.roster.RemoveWhere(func(e []interface{}) bool {
		path, _ := e[0].(dbus.ObjectPath)
		return doomed[path]
	}); err != nil {
		return nil, err
	}
	return nil, nil
}

func rosterEntry(c *contact) []interface{} {
	return []interface{}{c.path, c.name}
}

func relativeTo(root, path dbus.ObjectPath) string {
	rootComponents := root.Components()
	pathComponents := path.Components()
	rel := pathComponents[len(rootComponents):]
	out := ""
	for i, c := range rel {
		if i > 0 {
			out += "/"
		}
		out += c
	}
	return out
}

func sig(s string) []*dbus.SignatureTree {
	trees, err := dbus.ParseSignature(s)
	if err != nil {
		panic(err)
	}
	return trees
}
