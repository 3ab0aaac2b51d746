/*
Package kvtable implements a write-once, sorted, on-disk key/value table
format (SSTable) together with the primitives to build, search, merge and
bulk-sort such tables.

Keys and values are arbitrary byte strings. Keys are ordered by unsigned,
byte-wise comparison and are unique within a table. A Writer builds a table
in a single sequential pass, a Reader searches it through an in-memory block
index, a Merger combines several sources into one sorted view, a Sorter turns
unsorted input into sorted output using bounded memory and a Fileset presents
a reloadable set of table files as a single source.

Data Structure Documentation

Table

A table contains a series of data blocks followed by an index block and
a fixed-size trailer.

    Table layout:
    +---------+---------+---------+-------------+-------------------+
    | block 1 |   ...   | block n | index block | trailer (80 byte) |
    +---------+---------+---------+-------------+-------------------+

    Trailer (fields of 8 bytes each, little endian):
    +--------------+-----------------+-------------+---------+-------------+
    | index offset | data block size | compression | entries | data blocks |  ...
    +--------------+-----------------+-------------+---------+-------------+
    +------------------+-------------------+-----------+-------------+-------+
    | data block bytes | index block bytes | key bytes | value bytes | magic |
    +------------------+-------------------+-----------+-------------+-------+

The index block has the same layout as a data block. It holds one entry per
data block, keyed by the last key in that block, with the block offset
stored as a varint value.

Block

A block is stored as a (possibly compressed) payload, followed by a
single-byte compression type indicator and a CRC32C checksum covering
both. Zlib and LZ4 payloads are prefixed with the varint-encoded
uncompressed length.

    Block layout:
    +---------+---------------------------+----------------------+
    | payload | compression type (1-byte) | crc32c (4 bytes)     |
    +---------+---------------------------+----------------------+

An uncompressed block comprises of a series of sections, followed by a
section index.

    Raw block layout:
    +-----------+---------+-----------+---------------+
    | section 1 |   ...   | section n | section index |
    +-----------+---------+-----------+---------------+

    Section index:
    +----------------------------+-------+----------------------------+-------------------------------+
    | section offset 1 (4 bytes) |  ...  | section offset n (4 bytes) |  number of sections (4 bytes) |
    +----------------------------+-------+----------------------------+-------------------------------+

Section

A section is a series of key/value pairs where each key is stored as the
length of the prefix it shares with the previous key plus the remaining
suffix. The first key of every section is stored in full.

    +-----------------------+-------------------------+---------------------+------------+-------+-------+
    | shared len 1 (varint) | unshared len 1 (varint) | value len 1 (varint) | key suffix | value |  ...  |
    +-----------------------+-------------------------+---------------------+------------+-------+-------+
*/
package kvtable
