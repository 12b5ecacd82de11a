package main

import (
	"context"
	"fmt"
	"os"

	"github.com/namsral/flag"
	"github.com/scraperwall/warden/store"
	log "github.com/sirupsen/logrus"
)

func main() {
	dbdir := flag.String("dir", "./badger", "badger db dir")
	namespace := flag.String("namespace", "rep", "the namespace to dump: rep, model, stats or rl")
	prefix := flag.String("prefix", "", "return all keys with this prefix")
	values := flag.Bool("values", false, "print the values as well")
	count := flag.Bool("count", false, "only print the number of matching keys")

	flag.Parse()

	kv, err := store.NewBadgerDB(context.Background(), *dbdir)
	if err != nil {
		log.Fatal(err)
	}
	defer kv.Close()

	if *count {
		n, err := kv.Count([]byte(*namespace), []byte(*prefix))
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(n)
		return
	}

	err = kv.Each([]byte(*namespace), []byte(*prefix), func(k, v []byte) error {
		if *values {
			_, err := fmt.Fprintf(os.Stdout, "%s\t%s\n", k, v)
			return err
		}
		_, err := fmt.Fprintln(os.Stdout, string(k))
		return err
	})
	if err != nil {
		log.Fatal(err)
	}
}
